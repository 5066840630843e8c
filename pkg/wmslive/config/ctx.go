package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// contextBuilder assembles the ctx object seen by action expressions.
type contextBuilder struct {
	attributes map[string]cty.Value
}

func newContext() *contextBuilder {
	return &contextBuilder{attributes: make(map[string]cty.Value)}
}

func (b *contextBuilder) With(name string, value cty.Value) *contextBuilder {
	b.attributes[name] = value
	return b
}

func (b *contextBuilder) WithString(name, value string) *contextBuilder {
	return b.With(name, cty.StringVal(value))
}

func (b *contextBuilder) BuildEvalContext(parent *hcl.EvalContext) *hcl.EvalContext {
	evalCtx := parent.NewChild()
	evalCtx.Variables = map[string]cty.Value{
		"ctx": cty.ObjectVal(b.attributes),
	}
	return evalCtx
}

func stringList(values []string) cty.Value {
	if len(values) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	list := make([]cty.Value, len(values))
	for i, v := range values {
		list[i] = cty.StringVal(v)
	}
	return cty.ListVal(list)
}
