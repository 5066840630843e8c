package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/heimdalr/dag"
)

// processConstBlocks evaluates every const attribute, in dependency order so
// that constants may refer to each other regardless of where they appear.
func (c *Config) processConstBlocks(blocks hcl.Blocks) hcl.Diagnostics {
	var diags hcl.Diagnostics
	consts := make(hcl.Attributes)

	for _, block := range blocks {
		attrs, attrDiags := block.Body.JustAttributes()
		diags = diags.Extend(attrDiags)

		for name, attr := range attrs {
			if _, reserved := c.Constants[name]; reserved {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reserved name",
					Detail:   fmt.Sprintf("%s is a reserved name and can't be used for a constant", name),
					Subject:  &attr.NameRange,
				})
				continue
			}
			if previous, exists := consts[name]; exists {
				diags = diags.Append(duplicateDiag("constant", name, attr.NameRange, previous.NameRange))
				continue
			}
			consts[name] = attr
		}
	}
	if diags.HasErrors() {
		return diags
	}

	ordered, sortDiags := SortAttributesByDependencies(consts)
	diags = diags.Extend(sortDiags)
	if diags.HasErrors() {
		return diags
	}

	for _, attr := range ordered {
		value, valueDiags := attr.Expr.Value(c.evalCtx)
		diags = diags.Extend(valueDiags)
		c.Constants[attr.Name] = value
	}

	return diags
}

// SortAttributesByDependencies orders attrs so that each comes after the
// attributes it references. References to names outside attrs are ignored.
func SortAttributesByDependencies(attrs hcl.Attributes) ([]*hcl.Attribute, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	graph := dag.NewDAG()

	for _, attr := range attrs {
		if err := graph.AddVertexByID(attr.Name, attr); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to add attribute to dependency graph",
				Detail:   fmt.Sprintf("Error adding attribute %s: %s", attr.Name, err),
				Subject:  &attr.NameRange,
			})
		}
	}

	for name, attr := range attrs {
		seen := make(map[string]bool)

		for _, traversal := range attr.Expr.Variables() {
			ref := traversal.RootName()
			if seen[ref] {
				continue
			}
			seen[ref] = true

			if _, exists := attrs[ref]; !exists {
				continue
			}

			if err := graph.AddEdge(ref, name); err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Circular dependency detected",
					Detail:   fmt.Sprintf("Cannot make %s depend on %s: %s", name, ref, err),
					Subject:  &attr.Range,
				})
			}
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	visitor := &attributeVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.attrs, diags
}

type attributeVisitor struct {
	attrs []*hcl.Attribute
}

func (v *attributeVisitor) Visit(vertex dag.Vertexer) {
	_, value := vertex.Vertex()
	v.attrs = append(v.attrs, value.(*hcl.Attribute))
}
