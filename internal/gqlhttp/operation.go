// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"errors"
	"fmt"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// Operation kinds.
const (
	KindQuery        = ast.OperationTypeQuery
	KindMutation     = ast.OperationTypeMutation
	KindSubscription = ast.OperationTypeSubscription
)

// Operation is the executable part of a parsed request.
type Operation struct {
	Kind     string
	Name     string
	Document *ast.Document
	// Incremental is set when the selected operation uses @defer or @stream.
	Incremental bool
}

// ParseOperation parses query and selects the operation to run. A parse
// failure is returned as the engine's located error.
func ParseOperation(query, operationName string) (*Operation, error) {
	if query == "" {
		return nil, errors.New("Must provide query string.")
	}
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(query), Name: "GraphQL request"}),
	})
	if err != nil {
		return nil, err
	}

	var selected *ast.OperationDefinition
	fragments := make(map[string]*ast.FragmentDefinition)
	count := 0
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.OperationDefinition:
			count++
			name := ""
			if d.Name != nil {
				name = d.Name.Value
			}
			if operationName == "" {
				if selected == nil {
					selected = d
				}
			} else if name == operationName {
				selected = d
			}
		case *ast.FragmentDefinition:
			if d.Name != nil {
				fragments[d.Name.Value] = d
			}
		}
	}

	switch {
	case operationName == "" && count > 1:
		return nil, errors.New("Must provide operation name if query contains multiple operations.")
	case selected == nil && operationName != "":
		return nil, fmt.Errorf("Unknown operation named %q.", operationName)
	case selected == nil:
		return nil, errors.New("Could not determine what operation to execute.")
	}

	op := &Operation{Kind: selected.Operation, Document: doc}
	if selected.Name != nil {
		op.Name = selected.Name.Value
	}
	op.Incremental = usesIncrementalDelivery(selected.SelectionSet, fragments, map[string]bool{})
	return op, nil
}

func usesIncrementalDelivery(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, seen map[string]bool) bool {
	if set == nil {
		return false
	}
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			if hasIncrementalDirective(s.Directives) || usesIncrementalDelivery(s.SelectionSet, fragments, seen) {
				return true
			}
		case *ast.InlineFragment:
			if hasIncrementalDirective(s.Directives) || usesIncrementalDelivery(s.SelectionSet, fragments, seen) {
				return true
			}
		case *ast.FragmentSpread:
			if hasIncrementalDirective(s.Directives) {
				return true
			}
			if s.Name == nil || seen[s.Name.Value] {
				continue
			}
			seen[s.Name.Value] = true
			if f, ok := fragments[s.Name.Value]; ok && usesIncrementalDelivery(f.SelectionSet, fragments, seen) {
				return true
			}
		}
	}
	return false
}

func hasIncrementalDirective(ds []*ast.Directive) bool {
	for _, d := range ds {
		if d.Name != nil && (d.Name.Value == "defer" || d.Name.Value == "stream") {
			return true
		}
	}
	return false
}
