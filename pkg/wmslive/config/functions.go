package config

import (
	"fmt"

	"github.com/hashicorp/go-cty-funcs/crypto"
	"github.com/hashicorp/go-cty-funcs/encoding"
	"github.com/hashicorp/go-cty-funcs/filesystem"
	"github.com/hashicorp/go-cty-funcs/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/userfunc"
	"github.com/tsarna/go-structdiff"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StandardFunctions returns the function library available to every
// configuration expression.
func StandardFunctions() map[string]function.Function {
	return map[string]function.Function{
		"upper":     stdlib.UpperFunc,
		"lower":     stdlib.LowerFunc,
		"substr":    stdlib.SubstrFunc,
		"strlen":    stdlib.StrlenFunc,
		"split":     stdlib.SplitFunc,
		"join":      stdlib.JoinFunc,
		"chomp":     stdlib.ChompFunc,
		"trim":      stdlib.TrimFunc,
		"trimspace": stdlib.TrimSpaceFunc,
		"replace":   stdlib.ReplaceFunc,
		"regex":     stdlib.RegexFunc,
		"format":    stdlib.FormatFunc,

		"abs":   stdlib.AbsoluteFunc,
		"ceil":  stdlib.CeilFunc,
		"floor": stdlib.FloorFunc,
		"max":   stdlib.MaxFunc,
		"min":   stdlib.MinFunc,

		"coalesce": stdlib.CoalesceFunc,
		"concat":   stdlib.ConcatFunc,
		"contains": stdlib.ContainsFunc,
		"distinct": stdlib.DistinctFunc,
		"element":  stdlib.ElementFunc,
		"flatten":  stdlib.FlattenFunc,
		"keys":     stdlib.KeysFunc,
		"length":   stdlib.LengthFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"range":    stdlib.RangeFunc,
		"sort":     stdlib.SortFunc,
		"values":   stdlib.ValuesFunc,

		"jsondecode": stdlib.JSONDecodeFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"formatdate": stdlib.FormatDateFunc,
		"timeadd":    stdlib.TimeAddFunc,

		"tostring": stdlib.MakeToFunc(cty.String),
		"tonumber": stdlib.MakeToFunc(cty.Number),
		"tobool":   stdlib.MakeToFunc(cty.Bool),
		"tolist":   stdlib.MakeToFunc(cty.List(cty.DynamicPseudoType)),
		"tomap":    stdlib.MakeToFunc(cty.Map(cty.DynamicPseudoType)),

		"base64decode": encoding.Base64DecodeFunc,
		"base64encode": encoding.Base64EncodeFunc,
		"urlencode":    encoding.URLEncodeFunc,

		"sha1":   crypto.Sha1Func,
		"sha256": crypto.Sha256Func,
		"sha512": crypto.Sha512Func,

		"abspath":    filesystem.AbsPathFunc,
		"basename":   filesystem.BasenameFunc,
		"dirname":    filesystem.DirnameFunc,
		"pathexpand": filesystem.PathExpandFunc,
		"file":       filesystem.MakeFileFunc(".", false),

		"uuidv4": uuid.V4Func,
		"uuidv5": uuid.V5Func,

		"diff":  DiffFunc,
		"patch": PatchFunc,
	}
}

func (c *Config) extractUserFunctions(bodies []hcl.Body) (map[string]function.Function, []hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	remaining := make([]hcl.Body, 0, len(bodies))
	all := make(map[string]function.Function)

	for _, body := range bodies {
		funcs, rest, funcDiags := userfunc.DecodeUserFunctions(body, "function", func() *hcl.EvalContext {
			return c.evalCtx
		})
		diags = diags.Extend(funcDiags)
		if funcDiags.HasErrors() {
			continue
		}

		remaining = append(remaining, rest)

		for name, fn := range funcs {
			if _, exists := all[name]; exists {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate function",
					Detail:   fmt.Sprintf("Function %s is already defined", name),
				})
			}
			all[name] = fn
		}
	}

	return all, remaining, diags
}

func (c *Config) getFunctions(userFuncs map[string]function.Function) (map[string]function.Function, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	funcs := StandardFunctions()
	for name, fn := range logFunctions(c.Logger) {
		funcs[name] = fn
	}

	for name, fn := range userFuncs {
		if _, exists := funcs[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate function",
				Detail:   fmt.Sprintf("Function %s is reserved and can't be overridden", name),
			})
			continue
		}
		funcs[name] = fn
	}

	return funcs, diags
}

// DiffFunc returns the changes that turn its first argument into its second,
// in the form accepted by PatchFunc.
var DiffFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "a", Type: cty.DynamicPseudoType, AllowNull: true},
		{Name: "b", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		a, err := go2cty2go.CtyToAny(args[0])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert first argument: %w", err)
		}
		b, err := go2cty2go.CtyToAny(args[1])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert second argument: %w", err)
		}

		diff, err := structdiff.Diff(a, b)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to diff values: %w", err)
		}

		return go2cty2go.AnyToCty(diff)
	},
})

// PatchFunc applies a diff produced by DiffFunc to an object.
var PatchFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "target", Type: cty.DynamicPseudoType},
		{Name: "patch", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		target, err := go2cty2go.CtyToAny(args[0])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert target: %w", err)
		}
		patch, err := go2cty2go.CtyToAny(args[1])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert patch: %w", err)
		}

		targetMap, ok := target.(map[string]any)
		if !ok {
			return cty.NilVal, fmt.Errorf("target must be an object")
		}
		patchMap, ok := patch.(map[string]any)
		if !ok {
			return cty.NilVal, fmt.Errorf("patch must be an object")
		}

		if err := structdiff.Apply(&targetMap, patchMap); err != nil {
			return cty.NilVal, fmt.Errorf("unable to apply patch: %w", err)
		}

		return go2cty2go.AnyToCty(targetMap)
	},
})

func logFunctions(logger *zap.Logger) map[string]function.Function {
	return map[string]function.Function{
		"log_debug": makeLogFunc(logger, zapcore.DebugLevel),
		"log_info":  makeLogFunc(logger, zapcore.InfoLevel),
		"log_warn":  makeLogFunc(logger, zapcore.WarnLevel),
		"log_error": makeLogFunc(logger, zapcore.ErrorLevel),
	}
}

// makeLogFunc logs its message at level. A single object argument supplies
// named fields, otherwise extra arguments become fields $1, $2...
func makeLogFunc(logger *zap.Logger, level zapcore.Level) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			logger.Log(level, args[0].AsString(), logFields(args[1:])...)
			return cty.True, nil
		},
	})
}

func logFields(args []cty.Value) []zap.Field {
	if len(args) == 1 && !args[0].IsNull() && (args[0].Type().IsObjectType() || args[0].Type().IsMapType()) {
		var fields []zap.Field
		for it := args[0].ElementIterator(); it.Next(); {
			key, val := it.Element()
			fields = append(fields, logField(key.AsString(), val))
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(args))
	for i, arg := range args {
		fields = append(fields, logField(fmt.Sprintf("$%d", i+1), arg))
	}
	return fields
}

func logField(key string, val cty.Value) zap.Field {
	if val.IsNull() {
		return zap.String(key, "<null>")
	}
	goVal, err := go2cty2go.CtyToAny(val)
	if err != nil {
		return zap.String(key, val.GoString())
	}
	return zap.Any(key, goVal)
}
