package extract

import (
	"fmt"
	"unsafe"

	sitter "github.com/tree-sitter/go-tree-sitter"
	c "github.com/tree-sitter/tree-sitter-c/bindings/go"
	java "github.com/tree-sitter/tree-sitter-java/bindings/go"
	php "github.com/tree-sitter/tree-sitter-php/bindings/go"
	python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	ruby "github.com/tree-sitter/tree-sitter-ruby/bindings/go"
	rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// ContainerSplitLines is the size above which a class-like node is split into
// its members instead of being emitted whole.
const ContainerSplitLines = 80

// languageSpec drives the generic tree-sitter extractor for one language.
type languageSpec struct {
	grammar func() unsafe.Pointer

	// units maps node kinds emitted as a single unit to the unit kind.
	units map[string]string
	// containers maps class-like node kinds to the unit kind. Small
	// containers are emitted whole; large ones are split into members.
	containers map[string]string
	// nameFields are tried in order to find a node's name.
	nameFields []string
	// needsBody lists unit kinds that only count when they have a body
	// (C "struct foo" inside a declaration is a reference, not a definition).
	needsBody map[string]bool
}

func treeSitterLanguages() map[string]languageSpec {
	ts := languageSpec{
		grammar: typescript.LanguageTypescript,
		units: map[string]string{
			"function_declaration":           "function",
			"generator_function_declaration": "function",
			"method_definition":              "method",
			"interface_declaration":          "interface",
			"type_alias_declaration":         "type",
			"enum_declaration":               "enum",
			"lexical_declaration":            "variable",
		},
		containers: map[string]string{
			"class_declaration":          "class",
			"abstract_class_declaration": "class",
		},
		nameFields: []string{"name"},
	}
	tsx := ts
	tsx.grammar = typescript.LanguageTSX

	return map[string]languageSpec{
		"typescript": ts,
		"tsx":        tsx,
		// The TypeScript grammar accepts plain JavaScript.
		"javascript": ts,
		"python": {
			grammar: python.Language,
			units: map[string]string{
				"function_definition":  "function",
				"decorated_definition": "function",
			},
			containers: map[string]string{
				"class_definition": "class",
			},
			nameFields: []string{"name", "definition"},
		},
		"java": {
			grammar: java.Language,
			units: map[string]string{
				"method_declaration":      "method",
				"constructor_declaration": "constructor",
				"field_declaration":       "field",
			},
			containers: map[string]string{
				"class_declaration":     "class",
				"interface_declaration": "interface",
				"enum_declaration":      "enum",
				"record_declaration":    "record",
			},
			nameFields: []string{"name", "declarator"},
		},
		"rust": {
			grammar: rust.Language,
			units: map[string]string{
				"function_item":    "function",
				"struct_item":      "struct",
				"enum_item":        "enum",
				"const_item":       "const",
				"static_item":      "static",
				"type_item":        "type",
				"macro_definition": "macro",
			},
			containers: map[string]string{
				"impl_item":  "impl",
				"trait_item": "trait",
				"mod_item":   "module",
			},
			nameFields: []string{"name", "type"},
		},
		"c": {
			grammar: c.Language,
			units: map[string]string{
				"function_definition": "function",
				"type_definition":     "type",
				"struct_specifier":    "struct",
				"enum_specifier":      "enum",
				"union_specifier":     "union",
			},
			nameFields: []string{"name", "declarator"},
			needsBody: map[string]bool{
				"struct_specifier": true,
				"enum_specifier":   true,
				"union_specifier":  true,
			},
		},
		"ruby": {
			grammar: ruby.Language,
			units: map[string]string{
				"method":           "method",
				"singleton_method": "method",
			},
			containers: map[string]string{
				"class":  "class",
				"module": "module",
			},
			nameFields: []string{"name"},
		},
		"php": {
			grammar: php.LanguagePHP,
			units: map[string]string{
				"function_definition": "function",
				"method_declaration":  "method",
				"const_declaration":   "const",
			},
			containers: map[string]string{
				"class_declaration":     "class",
				"interface_declaration": "interface",
				"trait_declaration":     "trait",
				"enum_declaration":      "enum",
			},
			nameFields: []string{"name"},
		},
	}
}

// treeSitterExtractor is a table-driven extractor over a tree-sitter grammar.
type treeSitterExtractor struct {
	lang     string
	language *sitter.Language
	spec     languageSpec
}

func newTreeSitterExtractor(lang string, spec languageSpec) *treeSitterExtractor {
	return &treeSitterExtractor{
		lang:     lang,
		language: sitter.NewLanguage(spec.grammar()),
		spec:     spec,
	}
}

// Extract implements Extractor. A parser is created per call; parsers are not
// safe for concurrent use but languages are.
func (e *treeSitterExtractor) Extract(path string, text []byte) ([]ContentUnit, error) {
	parser := sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(e.language); err != nil {
		return nil, fmt.Errorf("failed to set %s language: %w", e.lang, err)
	}

	tree := parser.Parse(text, nil)
	if tree == nil {
		return nil, fmt.Errorf("failed to parse %s file: %s", e.lang, path)
	}
	defer tree.Close()

	var units []ContentUnit
	e.walk(tree.RootNode(), text, "", &units)
	return finalize(path, e.lang, units), nil
}

func (e *treeSitterExtractor) walk(node *sitter.Node, source []byte, container string, units *[]ContentUnit) {
	if node == nil {
		return
	}
	kind := node.Kind()

	if unitKind, ok := e.spec.units[kind]; ok {
		if e.spec.needsBody[kind] && node.ChildByFieldName("body") == nil {
			return
		}
		if container != "" && unitKind == "function" {
			unitKind = "method"
		}
		*units = append(*units, e.unit(node, source, unitKind, container))
		return
	}

	if unitKind, ok := e.spec.containers[kind]; ok {
		startRow := node.StartPosition().Row
		endRow := node.EndPosition().Row
		if int(endRow-startRow)+1 <= ContainerSplitLines {
			*units = append(*units, e.unit(node, source, unitKind, container))
			return
		}

		name := e.name(node, source)
		before := len(*units)
		e.walkChildren(node, source, name, units)
		if len(*units) == before {
			// Nothing splittable inside: keep the container whole.
			*units = append(*units, e.unit(node, source, unitKind, container))
		}
		return
	}

	e.walkChildren(node, source, container, units)
}

func (e *treeSitterExtractor) walkChildren(node *sitter.Node, source []byte, container string, units *[]ContentUnit) {
	for i := uint(0); i < node.ChildCount(); i++ {
		e.walk(node.Child(i), source, container, units)
	}
}

func (e *treeSitterExtractor) unit(node *sitter.Node, source []byte, kind, container string) ContentUnit {
	return ContentUnit{
		Kind:      kind,
		Container: container,
		Member:    e.name(node, source),
		Text:      nodeText(node, source),
		StartLine: int(node.StartPosition().Row) + 1,
		EndLine:   int(node.EndPosition().Row) + 1,
	}
}

// name resolves a node's declared name through the configured fields,
// descending into nested declarators until an identifier-like node is found.
func (e *treeSitterExtractor) name(node *sitter.Node, source []byte) string {
	for depth := 0; node != nil && depth < 8; depth++ {
		if isIdentifier(node.Kind()) {
			return nodeText(node, source)
		}
		var next *sitter.Node
		for _, field := range e.spec.nameFields {
			if child := node.ChildByFieldName(field); child != nil {
				next = child
				break
			}
		}
		if next == nil {
			next = firstIdentifierChild(node)
		}
		node = next
	}
	return ""
}

func isIdentifier(kind string) bool {
	switch kind {
	case "identifier", "type_identifier", "field_identifier", "property_identifier", "constant", "name":
		return true
	}
	return false
}

func firstIdentifierChild(node *sitter.Node) *sitter.Node {
	for i := uint(0); i < node.NamedChildCount(); i++ {
		child := node.NamedChild(i)
		if child != nil && isIdentifier(child.Kind()) {
			return child
		}
	}
	return nil
}

func nodeText(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	return string(source[node.StartByte():node.EndByte()])
}
