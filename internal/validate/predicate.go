package validate

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	sqllang "github.com/smacker/go-tree-sitter/sql"
)

// PredicateError reports a syntax problem in a filter/conditional predicate.
type PredicateError struct {
	Expr   string
	Offset uint32 // byte offset within the expression
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("syntax error in predicate %q at offset %d", e.Expr, e.Offset)
}

// The predicate is validated by parsing it as the WHERE clause of a
// scaffold statement with tree-sitter's SQL grammar. This catches
// malformed expressions before they ever reach the query engine.
const scaffoldPrefix = "SELECT * FROM t WHERE "

// CheckPredicate parses expr as a boolean SQL expression and returns a
// PredicateError when the grammar finds an error or missing node.
func CheckPredicate(expr string) error {
	if expr == "" {
		return nil
	}
	content := []byte(scaffoldPrefix + expr + ";")

	parser := sitter.NewParser()
	parser.SetLanguage(sqllang.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("parse predicate %q: %w", expr, err)
	}

	root := tree.RootNode()
	if root == nil || !root.HasError() {
		return nil
	}

	offset := uint32(0)
	if errNode := findFirstError(root); errNode != nil {
		start := errNode.StartByte()
		if start >= uint32(len(scaffoldPrefix)) {
			offset = start - uint32(len(scaffoldPrefix))
		}
	}
	return &PredicateError{Expr: expr, Offset: offset}
}

// findFirstError does a depth-first search for the first ERROR node.
func findFirstError(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			if found := findFirstError(child); found != nil {
				return found
			}
		}
	}
	return nil
}
