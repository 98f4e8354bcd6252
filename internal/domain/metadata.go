package domain

import "fmt"

// Well-known metadata fields checked per message kind. Unknown keys
// pass through untouched so producers can attach extra context without
// a schema change.
type metadataField struct {
	check func(v any) error
}

func stringField(allowed ...string) metadataField {
	return metadataField{check: func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("must be a string")
		}
		if len(allowed) == 0 {
			return nil
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", allowed)
	}}
}

func numberField(min, max float64) metadataField {
	return metadataField{check: func(v any) error {
		n, ok := v.(float64)
		if !ok {
			// Decoded JSON numbers are float64; anything else came from
			// an in-process caller.
			switch t := v.(type) {
			case int:
				n = float64(t)
			case int64:
				n = float64(t)
			default:
				return fmt.Errorf("must be a number")
			}
		}
		if n < min || n > max {
			return fmt.Errorf("must be between %g and %g", min, max)
		}
		return nil
	}}
}

func idField() metadataField {
	return numberField(1, float64(int64(1)<<53))
}

var metadataSchemas = map[MessageKind]map[string]metadataField{
	KindQuestion: {
		"urgency": stringField("low", "normal", "high"),
	},
	KindResponse: {
		"in_reply_to": idField(),
	},
	KindDecision: {
		"confidence": numberField(0, 1),
	},
	KindProgressUpdate: {
		"percent": numberField(0, 100),
	},
}

// ValidateMetadata checks the well-known metadata fields for a message
// kind. Fields outside the known set are accepted as-is.
func ValidateMetadata(kind MessageKind, meta map[string]any) error {
	if len(meta) == 0 {
		return nil
	}
	schema := metadataSchemas[kind]
	for key, field := range schema {
		v, ok := meta[key]
		if !ok {
			continue
		}
		if err := field.check(v); err != nil {
			return E(CodeValidationFailed, fmt.Sprintf("metadata.%s %v", key, err))
		}
	}
	return nil
}
