package main

import "github.com/trialforge/cdiscbuild/cmd"

func main() {
	cmd.Execute()
}
