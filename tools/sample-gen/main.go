// sample-gen writes a small demo study into a directory: a three-level
// specification chain plus matching CSV source datasets, sized by -subjects.
// Useful for trying the consolidate/validate/build commands end to end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const commonSpec = `domain: DM
key: [USUBJID]
primary: dm
columns:
  - name: STUDYID
    type: string
    label: Study Identifier
    constant: {value: COMMON}
  - name: USUBJID
    type: string
    label: Unique Subject Identifier
    source: {ref: USUBJID}
  - name: SEX
    type: string
    label: Sex
    source:
      ref: dm.SEX
      recode: {F: Female, M: Male}
      unmapped: "null"
`

const studySpec = `parents: [common.yaml]
columns:
  - name: STUDYID
    constant: {value: %s}
  - name: AGE
    type: integer
    label: Age
    source: {ref: dm.AGE}
  - name: AGEGR1
    type: string
    label: Age Group
    categorize:
      ref: AGE
      cuts:
        - {lt: 18, label: "<18"}
        - {lt: 65, label: "18-64"}
    default: ">=65"
  - name: WGTBL
    type: float
    label: Baseline Weight (kg)
    aggregate:
      ref: vs.VSSTRESN
      fn: mean
      filter: "vs.VSTESTCD = 'WEIGHT'"
`

func main() {
	outDir := flag.String("out", "sample", "Output directory for the demo study")
	study := flag.String("study", "STUDY001", "Study identifier for the leaf specification")
	subjects := flag.Int("subjects", 20, "Number of subjects to generate")
	seed := flag.Int64("seed", 1, "Random seed for the generated data")
	flag.Parse()

	specDir := filepath.Join(*outDir, "specs")
	srcDir := filepath.Join(*outDir, "sources")
	for _, dir := range []string{specDir, srcDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(err)
		}
	}

	write(filepath.Join(specDir, "common.yaml"), commonSpec)
	write(filepath.Join(specDir, "study.yaml"), fmt.Sprintf(studySpec, *study))

	rng := rand.New(rand.NewSource(*seed))
	sexes := []string{"F", "M", "F", "M", "U"}

	var dm strings.Builder
	dm.WriteString("USUBJID,SEX,AGE\n")
	var vs strings.Builder
	vs.WriteString("USUBJID,VSTESTCD,VSSTRESN\n")
	for i := 1; i <= *subjects; i++ {
		id := fmt.Sprintf("%03d", i)
		fmt.Fprintf(&dm, "%s,%s,%d\n", id, sexes[rng.Intn(len(sexes))], 16+rng.Intn(60))
		weight := 50 + rng.Float64()*50
		fmt.Fprintf(&vs, "%s,WEIGHT,%.1f\n", id, weight)
		fmt.Fprintf(&vs, "%s,WEIGHT,%.1f\n", id, weight+rng.Float64()*4-2)
		fmt.Fprintf(&vs, "%s,HEIGHT,%.1f\n", id, 150+rng.Float64()*40)
	}
	write(filepath.Join(srcDir, "dm.csv"), dm.String())
	write(filepath.Join(srcDir, "vs.csv"), vs.String())

	fmt.Printf("Generated %d subjects in %s\n", *subjects, *outDir)
	fmt.Printf("Try: cdiscbuild build %s %s dm.csv\n", filepath.Join(specDir, "study.yaml"), srcDir)
}

func write(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
