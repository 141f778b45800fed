package tool

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// schemaCache compiles each tool's argument schema once.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(toolID, schemaJSON string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schema, ok := c.compiled[toolID]; ok {
		return schema, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(toolID+".json", strings.NewReader(schemaJSON)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "add schema resource")
	}
	schema, err := compiler.Compile(toolID + ".json")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "compile tool schema")
	}
	c.compiled[toolID] = schema
	return schema, nil
}

// validateArgs checks arguments against the tool's declared schema.
// Failures surface as InvalidToolArgs so the model can self-correct.
func (c *schemaCache) validateArgs(meta Metadata, args map[string]any) error {
	if strings.TrimSpace(meta.Schema) == "" {
		return nil
	}
	schema, err := c.get(meta.ID, meta.Schema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects regardless of how the arguments were built.
	data, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidToolArgs, "marshal arguments")
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return errors.Wrap(err, errors.KindInvalidToolArgs, "normalize arguments")
	}

	if err := schema.Validate(normalized); err != nil {
		return errors.Wrap(err, errors.KindInvalidToolArgs, "arguments failed schema validation")
	}
	return nil
}
