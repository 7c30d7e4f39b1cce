package filter

import (
	"github.com/mitchellh/mapstructure"
)

const (
	// DefaultLimit applies when no limit parameter is given.
	DefaultLimit = 100
	// MaxLimit caps the page size regardless of the limit parameter.
	MaxLimit = 1000
)

// Params are the reserved wire-level parameters, split off from filter
// keys. Everything not captured by a named field is a filter entry.
type Params struct {
	Sort        any            `mapstructure:"sort"`
	Page        int            `mapstructure:"page"`
	Limit       int            `mapstructure:"limit"`
	Cursor      string         `mapstructure:"cursor"`
	Include     any            `mapstructure:"include"`
	WithDeleted bool           `mapstructure:"withDeleted"`
	Filters     map[string]any `mapstructure:",remain"`
}

// ParseParams splits a raw parameter object into reserved parameters
// and filter keys. Values arrive as strings from query strings and as
// typed values from JSON bodies; both are accepted.
func ParseParams(raw map[string]any) (*Params, error) {
	var p Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, &ParamError{Key: "params", Message: err.Error()}
	}

	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Filters == nil {
		p.Filters = map[string]any{}
	}
	return &p, nil
}

// Offset returns the page-based row offset.
func (p *Params) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Includes normalizes the include parameter to a map of relation or
// getter name to nested include object (nil for leaves). Accepted
// shapes: "name", ["a","b"], {"a": {...}, "b": true}.
func (p *Params) Includes() map[string]map[string]any {
	return normalizeIncludes(p.Include)
}

func normalizeIncludes(v any) map[string]map[string]any {
	switch inc := v.(type) {
	case nil:
		return nil
	case string:
		if inc == "" {
			return nil
		}
		return map[string]map[string]any{inc: nil}
	case []string:
		out := make(map[string]map[string]any, len(inc))
		for _, name := range inc {
			out[name] = nil
		}
		return out
	case []any:
		out := make(map[string]map[string]any, len(inc))
		for _, item := range inc {
			if name, ok := item.(string); ok {
				out[name] = nil
			}
		}
		return out
	case map[string]any:
		out := make(map[string]map[string]any, len(inc))
		for name, sub := range inc {
			if nested, ok := sub.(map[string]any); ok {
				out[name] = nested
			} else {
				out[name] = nil
			}
		}
		return out
	default:
		return nil
	}
}
