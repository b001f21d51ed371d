// Package parser implements the per-file-family parsers used by the
// indexing service: source code (Tree-sitter), markdown documents, and
// structured YAML configuration.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/spetr/repograph/pkg/types"
)

// CodeParser extracts functions, methods and type definitions from source
// files using Tree-sitter, along with import and call relationship
// candidates.
type CodeParser struct{}

// NewCode creates a new code parser.
func NewCode() *CodeParser {
	return &CodeParser{}
}

// Name returns the parser name.
func (p *CodeParser) Name() string {
	return "code"
}

// CanParse reports whether the file is a supported source language.
func (p *CodeParser) CanParse(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".pyi":
		return true
	}
	return false
}

// Parse extracts entities and relationships from source content.
func (p *CodeParser) Parse(content []byte, path string) (*types.ParseResult, error) {
	lang, language := languageFor(path)

	parser := sitter.NewParser()
	parser.SetLanguage(language)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, &types.ParseError{Path: path, Reason: err.Error()}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line := firstErrorLine(root)
		return nil, &types.ParseError{
			Path:   path,
			Line:   line,
			Reason: fmt.Sprintf("%s syntax error", lang),
		}
	}

	result := &types.ParseResult{Language: lang}
	switch lang {
	case "go":
		parseGo(root, content, result)
	case "python":
		parsePython(root, content, result)
	}
	return result, nil
}

func languageFor(path string) (string, *sitter.Language) {
	if strings.ToLower(filepath.Ext(path)) == ".go" {
		return "go", golang.GetLanguage()
	}
	return "python", python.GetLanguage()
}

func firstErrorLine(root *sitter.Node) int {
	var line int
	var walk func(n *sitter.Node) bool
	walk = func(n *sitter.Node) bool {
		if n.IsError() {
			line = int(n.StartPoint().Row) + 1
			return true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if walk(n.Child(i)) {
				return true
			}
		}
		return false
	}
	walk(root)
	return line
}

func parseGo(root *sitter.Node, content []byte, result *types.ParseResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "function_declaration":
			addGoFunction(node, content, result, types.EntityFunction, "")

		case "method_declaration":
			receiver := goReceiverType(node, content)
			addGoFunction(node, content, result, types.EntityMethod, receiver)

		case "type_declaration":
			for j := 0; j < int(node.ChildCount()); j++ {
				spec := node.Child(j)
				if spec.Type() != "type_spec" {
					continue
				}
				name := childText(spec, "name", content)
				if name == "" {
					continue
				}
				result.Entities = append(result.Entities, types.Entity{
					Kind:      types.EntityClass,
					Name:      name,
					Content:   text(node, content),
					StartLine: int(node.StartPoint().Row) + 1,
					EndLine:   int(node.EndPoint().Row) + 1,
					Doc:       docCommentAbove(node, content),
					Metadata:  map[string]string{"language": "go"},
				})
			}

		case "import_declaration":
			collectGoImports(node, content, result)
		}
	}
}

func addGoFunction(node *sitter.Node, content []byte, result *types.ParseResult, kind types.EntityKind, parent string) {
	name := childText(node, "name", content)
	if name == "" {
		return
	}

	meta := map[string]string{"language": "go"}
	if params := node.ChildByFieldName("parameters"); params != nil {
		meta["signature"] = name + text(params, content)
	}

	result.Entities = append(result.Entities, types.Entity{
		Kind:      kind,
		Name:      name,
		Content:   text(node, content),
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Doc:       docCommentAbove(node, content),
		Parent:    parent,
		Metadata:  meta,
	})

	collectCalls(node, content, name, result)
}

func goReceiverType(node *sitter.Node, content []byte) string {
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	t := text(recv, content)
	t = strings.Trim(t, "()")
	if idx := strings.LastIndexAny(t, " *"); idx >= 0 {
		t = t[idx+1:]
	}
	return t
}

func collectGoImports(node *sitter.Node, content []byte, result *types.ParseResult) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "interpreted_string_literal" {
			path := strings.Trim(text(n, content), `"`)
			if path != "" {
				result.Relationships = append(result.Relationships, types.Relationship{
					Kind:   types.RelImport,
					Target: path,
					Line:   int(n.StartPoint().Row) + 1,
				})
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
}

func parsePython(root *sitter.Node, content []byte, result *types.ParseResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "function_definition":
			addPythonFunction(node, content, result, types.EntityFunction, "")

		case "decorated_definition":
			if def := node.ChildByFieldName("definition"); def != nil {
				switch def.Type() {
				case "function_definition":
					addPythonFunction(def, content, result, types.EntityFunction, "")
				case "class_definition":
					addPythonClass(def, content, result)
				}
			}

		case "class_definition":
			addPythonClass(node, content, result)

		case "import_statement", "import_from_statement":
			collectPythonImports(node, content, result)
		}
	}
}

func addPythonFunction(node *sitter.Node, content []byte, result *types.ParseResult, kind types.EntityKind, parent string) {
	name := childText(node, "name", content)
	if name == "" {
		return
	}

	result.Entities = append(result.Entities, types.Entity{
		Kind:      kind,
		Name:      name,
		Content:   text(node, content),
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Doc:       pythonDocstring(node, content),
		Parent:    parent,
		Metadata:  map[string]string{"language": "python"},
	})

	collectCalls(node, content, name, result)
}

func addPythonClass(node *sitter.Node, content []byte, result *types.ParseResult) {
	name := childText(node, "name", content)
	if name == "" {
		return
	}

	result.Entities = append(result.Entities, types.Entity{
		Kind:      types.EntityClass,
		Name:      name,
		Content:   text(node, content),
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Doc:       pythonDocstring(node, content),
		Metadata:  map[string]string{"language": "python"},
	})

	// Methods become entities of their own, parented to the class.
	if body := node.ChildByFieldName("body"); body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			child := body.Child(i)
			if child.Type() == "function_definition" {
				addPythonFunction(child, content, result, types.EntityMethod, name)
			}
		}
	}
}

func collectPythonImports(node *sitter.Node, content []byte, result *types.ParseResult) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "dotted_name" {
			result.Relationships = append(result.Relationships, types.Relationship{
				Kind:   types.RelImport,
				Target: text(n, content),
				Line:   int(n.StartPoint().Row) + 1,
			})
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
}

// collectCalls records every call expression inside a definition as a call
// relationship candidate from that definition.
func collectCalls(node *sitter.Node, content []byte, from string, result *types.ParseResult) {
	seen := make(map[string]bool)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "call_expression" || n.Type() == "call" {
			if fn := n.ChildByFieldName("function"); fn != nil {
				callee := calleeName(fn, content)
				if callee != "" && callee != from && !seen[callee] {
					seen[callee] = true
					result.Relationships = append(result.Relationships, types.Relationship{
						Kind:   types.RelCall,
						From:   from,
						Target: callee,
						Line:   int(n.StartPoint().Row) + 1,
					})
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
}

func calleeName(fn *sitter.Node, content []byte) string {
	switch fn.Type() {
	case "identifier":
		return text(fn, content)
	case "selector_expression":
		return childText(fn, "field", content)
	case "attribute":
		return childText(fn, "attribute", content)
	}
	return ""
}

// docCommentAbove collects the contiguous // comment block directly above a
// declaration.
func docCommentAbove(node *sitter.Node, content []byte) string {
	var lines []string
	prev := node.PrevSibling()
	endRow := int(node.StartPoint().Row)
	for prev != nil && prev.Type() == "comment" {
		row := int(prev.EndPoint().Row)
		if endRow-row > 1 {
			break
		}
		line := strings.TrimSpace(strings.TrimPrefix(text(prev, content), "//"))
		lines = append([]string{line}, lines...)
		endRow = int(prev.StartPoint().Row)
		prev = prev.PrevSibling()
	}
	return strings.Join(lines, "\n")
}

// pythonDocstring returns the leading string expression of a definition body.
func pythonDocstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.ChildCount() == 0 {
		return ""
	}
	first := body.Child(0)
	if first.Type() != "expression_statement" || first.ChildCount() == 0 {
		return ""
	}
	expr := first.Child(0)
	if expr.Type() != "string" {
		return ""
	}
	doc := text(expr, content)
	doc = strings.Trim(doc, `"'`)
	return strings.TrimSpace(doc)
}

func text(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

func childText(n *sitter.Node, field string, content []byte) string {
	child := n.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return text(child, content)
}
