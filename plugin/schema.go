package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/message"
)

// putSchemas validates put payloads per property
type putSchemas map[string]*gojsonschema.Schema

func compileSchemas(raw map[string]json.RawMessage) (putSchemas, error) {
	out := make(putSchemas, len(raw))
	for property, doc := range raw {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, errors.WrapInvalid(err, "Runtime", "compileSchemas", "compile schema for "+property)
		}
		out[property] = schema
	}
	return out, nil
}

// validate checks the put body, header excluded. Properties without a
// schema always pass.
func (s putSchemas) validate(property string, env message.Envelope) error {
	schema, ok := s[property]
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(env.Body()))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(problems, "; "))
}
