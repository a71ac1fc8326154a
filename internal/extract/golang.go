package extract

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
)

// GoExtractor extracts Go declarations with go/ast.
//
// Units: one per function or method (receiver type as container), one per
// type spec, and one per const/var block. Imports are skipped. Doc comments
// are part of the unit they document.
type GoExtractor struct{}

// NewGoExtractor creates a GoExtractor.
func NewGoExtractor() *GoExtractor {
	return &GoExtractor{}
}

// Extract implements Extractor.
func (e *GoExtractor) Extract(path string, text []byte) ([]ContentUnit, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, text, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse go file: %w", err)
	}

	pkg := file.Name.Name
	var units []ContentUnit

	span := func(from, to token.Pos) (string, int, int) {
		start := fset.Position(from)
		end := fset.Position(to)
		return string(text[start.Offset:end.Offset]), start.Line, end.Line
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			from := d.Pos()
			if d.Doc != nil {
				from = d.Doc.Pos()
			}
			body, startLine, endLine := span(from, d.End())

			unit := ContentUnit{
				Kind:      "function",
				Namespace: pkg,
				Member:    d.Name.Name,
				Text:      body,
				StartLine: startLine,
				EndLine:   endLine,
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				unit.Kind = "method"
				unit.Container = receiverTypeName(d.Recv.List[0].Type)
			}
			units = append(units, unit)

		case *ast.GenDecl:
			units = append(units, e.genDeclUnits(d, pkg, span)...)
		}
	}

	return finalize(path, "go", units), nil
}

func (e *GoExtractor) genDeclUnits(d *ast.GenDecl, pkg string, span func(token.Pos, token.Pos) (string, int, int)) []ContentUnit {
	declFrom := d.Pos()
	if d.Doc != nil {
		declFrom = d.Doc.Pos()
	}

	switch d.Tok {
	case token.TYPE:
		var units []ContentUnit
		for _, spec := range d.Specs {
			ts := spec.(*ast.TypeSpec)
			from, to := ts.Pos(), ts.End()
			if !d.Lparen.IsValid() {
				// Ungrouped: include "type" keyword and doc
				from, to = declFrom, d.End()
			} else if ts.Doc != nil {
				from = ts.Doc.Pos()
			}
			body, startLine, endLine := span(from, to)

			kind := "type"
			switch ts.Type.(type) {
			case *ast.StructType:
				kind = "struct"
			case *ast.InterfaceType:
				kind = "interface"
			}
			units = append(units, ContentUnit{
				Kind:      kind,
				Namespace: pkg,
				Member:    ts.Name.Name,
				Text:      body,
				StartLine: startLine,
				EndLine:   endLine,
			})
		}
		return units

	case token.CONST, token.VAR:
		body, startLine, endLine := span(declFrom, d.End())
		member := ""
		if len(d.Specs) > 0 {
			if vs, ok := d.Specs[0].(*ast.ValueSpec); ok && len(vs.Names) > 0 {
				member = vs.Names[0].Name
			}
		}
		return []ContentUnit{{
			Kind:      d.Tok.String(),
			Namespace: pkg,
			Member:    member,
			Text:      body,
			StartLine: startLine,
			EndLine:   endLine,
		}}
	}
	return nil
}

// receiverTypeName strips pointers and type parameters from a receiver type.
func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}
