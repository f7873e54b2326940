package spoke

import (
	"fmt"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// ValidateArguments checks args against schema's required/type/enum/
// range rules. Additional properties are accepted unless the schema
// forbids them. The rule set is deliberately small — flat argument
// bags only — so it is checked directly rather than through a general
// JSON-Schema engine.
func ValidateArguments(schema registry.Schema, args map[string]any) error {
	for name, prop := range schema.Properties {
		value, present := args[name]
		if !present {
			if prop.Required {
				return rpcerr.New(rpcerr.KindInvalidParams, "missing required argument "+name)
			}
			continue
		}
		if err := validateType(name, prop, value); err != nil {
			return err
		}
		if err := validateEnum(name, prop, value); err != nil {
			return err
		}
		if err := validateRange(name, prop, value); err != nil {
			return err
		}
	}

	if !schema.AdditionalProperties {
		for name := range args {
			if _, declared := schema.Properties[name]; !declared {
				return rpcerr.New(rpcerr.KindInvalidParams, "unexpected argument "+name)
			}
		}
	}
	return nil
}

func validateType(name string, prop registry.SchemaProperty, value any) error {
	ok := false
	switch prop.Type {
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "number":
		_, ok = asFloat(value)
	case "integer":
		f, isNum := asFloat(value)
		ok = isNum && f == float64(int64(f))
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	default:
		ok = true // unknown/unspecified type kinds are accepted as-is
	}
	if !ok {
		return rpcerr.New(rpcerr.KindInvalidParams, fmt.Sprintf("argument %s must be of type %s", name, prop.Type))
	}
	return nil
}

func validateEnum(name string, prop registry.SchemaProperty, value any) error {
	if len(prop.Enum) == 0 {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return rpcerr.New(rpcerr.KindInvalidParams, "argument "+name+" must be a string to match its enum")
	}
	for _, allowed := range prop.Enum {
		if allowed == s {
			return nil
		}
	}
	return rpcerr.New(rpcerr.KindInvalidParams, "argument "+name+" is not one of the allowed values")
}

func validateRange(name string, prop registry.SchemaProperty, value any) error {
	if prop.Minimum == nil && prop.Maximum == nil {
		return nil
	}
	f, ok := asFloat(value)
	if !ok {
		return nil // non-numeric values already rejected by validateType
	}
	if prop.Minimum != nil && f < *prop.Minimum {
		return rpcerr.New(rpcerr.KindInvalidParams, fmt.Sprintf("argument %s below minimum %v", name, *prop.Minimum))
	}
	if prop.Maximum != nil && f > *prop.Maximum {
		return rpcerr.New(rpcerr.KindInvalidParams, fmt.Sprintf("argument %s above maximum %v", name, *prop.Maximum))
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
