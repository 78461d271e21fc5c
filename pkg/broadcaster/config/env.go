package config

import (
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// EnvObject turns an environment in os.Environ form into a cty object, one
// string attribute per variable. Names that are not valid HCL identifiers
// have the offending characters replaced with underscores.
func EnvObject(environ []string) cty.Value {
	vars := make(map[string]cty.Value, len(environ))

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		vars[identifier(name)] = cty.StringVal(value)
	}

	if len(vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vars)
}

func identifier(name string) string {
	if name == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
