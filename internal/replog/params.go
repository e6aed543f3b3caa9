package replog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Replayed statements carry their parameters inside the log row, so the
// encoding must be self-describing and portable: an ordered JSON array of
// typed scalars, one of string, int, float, timestamp or null.  No
// language-specific serialisation.
type typedParam struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

const (
	paramString = "string"
	paramInt    = "int"
	paramFloat  = "float"
	paramTime   = "timestamp"
	paramNull   = "null"
)

// EncodeParams serialises a parameter sequence for storage in the log.
func EncodeParams(params []any) (string, error) {
	typed := make([]typedParam, 0, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case nil:
			typed = append(typed, typedParam{Type: paramNull})
		case string:
			typed = append(typed, typedParam{Type: paramString, Value: v})
		case int:
			typed = append(typed, typedParam{Type: paramInt, Value: int64(v)})
		case int32:
			typed = append(typed, typedParam{Type: paramInt, Value: int64(v)})
		case int64:
			typed = append(typed, typedParam{Type: paramInt, Value: v})
		case float32:
			typed = append(typed, typedParam{Type: paramFloat, Value: float64(v)})
		case float64:
			typed = append(typed, typedParam{Type: paramFloat, Value: v})
		case time.Time:
			typed = append(typed, typedParam{Type: paramTime, Value: v.UTC().Format(time.RFC3339Nano)})
		default:
			return "", fmt.Errorf("param %d: unsupported type %T", i, p)
		}
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeParams restores a parameter sequence from its stored form.
// An empty string decodes to no parameters.
func DecodeParams(s string) ([]any, error) {
	if s == "" {
		return nil, nil
	}

	var typed []typedParam
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber() // keep int64 precision
	if err := dec.Decode(&typed); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	out := make([]any, 0, len(typed))
	for i, p := range typed {
		switch p.Type {
		case paramNull:
			out = append(out, nil)
		case paramString:
			v, ok := p.Value.(string)
			if !ok {
				return nil, fmt.Errorf("param %d: string payload is %T", i, p.Value)
			}
			out = append(out, v)
		case paramInt:
			n, ok := p.Value.(json.Number)
			if !ok {
				return nil, fmt.Errorf("param %d: int payload is %T", i, p.Value)
			}
			v, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			out = append(out, v)
		case paramFloat:
			n, ok := p.Value.(json.Number)
			if !ok {
				return nil, fmt.Errorf("param %d: float payload is %T", i, p.Value)
			}
			v, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			out = append(out, v)
		case paramTime:
			s, ok := p.Value.(string)
			if !ok {
				return nil, fmt.Errorf("param %d: timestamp payload is %T", i, p.Value)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			out = append(out, t)
		default:
			return nil, fmt.Errorf("param %d: unknown type %q", i, p.Type)
		}
	}
	return out, nil
}
