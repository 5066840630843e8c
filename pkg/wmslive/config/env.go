package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as a cty object, exposed to
// configuration as env.NAME. Names that are not valid HCL identifiers have
// their invalid characters replaced with underscores.
func GetEnvObject() cty.Value {
	return envObject(os.Environ())
}

func envObject(environ []string) cty.Value {
	vars := make(map[string]cty.Value, len(environ))

	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		vars[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(vars)
}

func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			result.WriteRune(r)
		case i > 0 && (r == '-' || (r >= '0' && r <= '9')):
			result.WriteRune(r)
		default:
			result.WriteRune('_')
		}
	}

	return result.String()
}
