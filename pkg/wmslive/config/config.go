// Package config loads an HCL description of a hub deployment: the
// connection, constants, user functions, action subscriptions and
// scheduled status reports.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Hub           *HubDefinition
	Subscriptions []*SubscriptionDefinition
	Reports       []*ReportDefinition
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds configuration sources: file or directory paths, or raw
// HCL as []byte.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:    cb.logger,
		Constants: make(map[string]cty.Value),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	userFuncs, remaining, addDiags := config.extractUserFunctions(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions, addDiags = config.getFunctions(userFuncs)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := getBlocks(remaining)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	// Constants first, everything else may refer to them
	diags = diags.Extend(config.processConstBlocks(blocks.ofType("const")))
	if diags.HasErrors() {
		return nil, diags
	}

	for _, block := range blocks {
		switch block.Type {
		case "hub":
			diags = diags.Extend(config.processHubBlock(block))
		case "subscription":
			diags = diags.Extend(config.processSubscriptionBlock(block))
		case "report":
			diags = diags.Extend(config.processReportBlock(block))
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("subscriptions", len(config.Subscriptions)),
		zap.Int("reports", len(config.Reports)),
	)

	return config, diags
}

func duplicateDiag(kind, name string, subject, previous hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Duplicate %s", kind),
		Detail:   fmt.Sprintf("%s %q is already defined at %s", kind, name, previous),
		Subject:  subject.Ptr(),
	}
}
