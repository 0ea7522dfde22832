package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/render"
)

// builtinSchemas maps named schemas to their JSON Schema documents. The
// plain pseudo-schema has no document; it means raw text.
var builtinSchemas = map[string]string{
	"code-review": `{
		"type": "object",
		"required": ["issues"],
		"properties": {
			"issues": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["message", "severity"],
					"properties": {
						"ruleId": {"type": "string"},
						"message": {"type": "string"},
						"severity": {"enum": ["info", "warning", "error", "critical"]},
						"category": {"type": "string"},
						"file": {"type": "string"},
						"line": {"type": "integer", "minimum": 0},
						"suggestion": {"type": "string"}
					}
				}
			}
		}
	}`,
}

// schemaCache compiles schema specs once and reuses them across checks.
// Named schemas key by name, inline ones by a digest of their JSON form.
type schemaCache struct {
	compiled *xsync.MapOf[string, *jsonschema.Schema]
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: xsync.NewMapOf[string, *jsonschema.Schema]()}
}

// For returns the compiled schema for spec, or (nil, nil) when the spec is
// absent or plain. Unknown named schemas are errors.
func (c *schemaCache) For(spec config.SchemaSpec) (*jsonschema.Schema, error) {
	if spec.IsZero() || spec.Name == render.SchemaPlain {
		return nil, nil
	}
	if len(spec.Inline) > 0 {
		raw, err := json.Marshal(spec.Inline)
		if err != nil {
			return nil, fmt.Errorf("inline schema: %w", err)
		}
		sum := blake3.Sum256(raw)
		return c.compile(fmt.Sprintf("inline:%x", sum[:8]), string(raw))
	}
	src, ok := builtinSchemas[spec.Name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", spec.Name)
	}
	return c.compile(spec.Name, src)
}

func (c *schemaCache) compile(key, src string) (*jsonschema.Schema, error) {
	if s, ok := c.compiled.Load(key); ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	c.compiled.Store(key, s)
	return s, nil
}
