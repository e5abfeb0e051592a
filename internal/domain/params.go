package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTemplateParams = errors.New("invalid template parameters")

type TemplateParam struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Required     bool     `json:"required"`
	DefaultValue string   `json:"default_value,omitempty"`
	Options      []string `json:"options,omitempty"`
}

// TemplateSpec is the normalized form of an agent's template_params column.
type TemplateSpec struct {
	Params         []TemplateParam
	SubTemplateIDs []string
}

// Defaults returns the declared default values keyed by parameter name.
func (s TemplateSpec) Defaults() map[string]string {
	out := make(map[string]string, len(s.Params))
	for _, p := range s.Params {
		if p.DefaultValue != "" {
			out[p.Name] = p.DefaultValue
		}
	}
	return out
}

// ParseTemplateParams accepts the storage shapes found in agent configuration:
//
//	[{"name":"x","description":"..","required":true,"defaultValue":"..","options":[..]}, "y"]
//	{"x": {"description":"..",...}, "y": "default"}
//	{"params": <array or object>, "subTemplateIds": ["a","b"]}
//	"x, y"  or  x, y
//
// Empty input yields an empty spec. Anything else is ErrInvalidTemplateParams.
func ParseTemplateParams(raw string) (TemplateSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return TemplateSpec{}, nil
	}

	var (
		spec TemplateSpec
		err  error
	)

	switch raw[0] {
	case '[':
		spec.Params, err = parseParamArray([]byte(raw))
	case '{':
		spec, err = parseParamObject([]byte(raw), true)
	case '"':
		var s string
		if err = json.Unmarshal([]byte(raw), &s); err == nil {
			spec.Params = parseParamList(s)
		}
	default:
		if json.Valid([]byte(raw)) {
			return TemplateSpec{}, fmt.Errorf("%w: unsupported scalar %q", ErrInvalidTemplateParams, raw)
		}
		spec.Params = parseParamList(raw)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidTemplateParams) {
			return TemplateSpec{}, err
		}
		return TemplateSpec{}, fmt.Errorf("%w: %v", ErrInvalidTemplateParams, err)
	}

	if err := checkUnique(spec.Params); err != nil {
		return TemplateSpec{}, err
	}

	return spec, nil
}

type paramRecord struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Required          bool            `json:"required"`
	DefaultValue      json.RawMessage `json:"defaultValue"`
	DefaultValueSnake json.RawMessage `json:"default_value"`
	Options           []string        `json:"options"`
}

func (r paramRecord) toParam(name string) (TemplateParam, error) {
	def := r.DefaultValue
	if len(def) == 0 {
		def = r.DefaultValueSnake
	}
	value, err := scalarString(def)
	if err != nil {
		return TemplateParam{}, fmt.Errorf("parameter %q default: %w", name, err)
	}
	return TemplateParam{
		Name:         name,
		Description:  r.Description,
		Required:     r.Required,
		DefaultValue: value,
		Options:      r.Options,
	}, nil
}

func parseParamArray(data []byte) ([]TemplateParam, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}

	params := make([]TemplateParam, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		switch {
		case len(item) > 0 && item[0] == '"':
			var name string
			if err := json.Unmarshal(item, &name); err != nil {
				return nil, err
			}
			if name = strings.TrimSpace(name); name != "" {
				params = append(params, TemplateParam{Name: name})
			}
		case len(item) > 0 && item[0] == '{':
			var rec paramRecord
			if err := json.Unmarshal(item, &rec); err != nil {
				return nil, err
			}
			name := strings.TrimSpace(rec.Name)
			if name == "" {
				return nil, fmt.Errorf("%w: element %d has no name", ErrInvalidTemplateParams, i)
			}
			p, err := rec.toParam(name)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
		default:
			return nil, fmt.Errorf("%w: element %d is neither a name nor an object", ErrInvalidTemplateParams, i)
		}
	}

	return params, nil
}

// parseParamObject walks keys in document order so the resulting list is stable.
func parseParamObject(data []byte, top bool) (TemplateSpec, error) {
	var spec TemplateSpec

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return spec, err
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return spec, err
		}
		key, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return spec, err
		}
		value = bytes.TrimSpace(value)

		switch {
		case top && key == "params":
			nested, err := parseParamsValue(value)
			if err != nil {
				return spec, err
			}
			spec.Params = append(spec.Params, nested...)
		case top && (key == "subTemplateIds" || key == "sub_template_ids"):
			var ids []string
			if err := json.Unmarshal(value, &ids); err != nil {
				return spec, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidTemplateParams, key)
			}
			spec.SubTemplateIDs = ids
		case len(value) > 0 && value[0] == '{':
			var rec paramRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return spec, err
			}
			p, err := rec.toParam(key)
			if err != nil {
				return spec, err
			}
			spec.Params = append(spec.Params, p)
		default:
			def, err := scalarString(value)
			if err != nil {
				return spec, fmt.Errorf("parameter %q: %w", key, err)
			}
			spec.Params = append(spec.Params, TemplateParam{Name: key, DefaultValue: def})
		}
	}

	return spec, nil
}

func parseParamsValue(value json.RawMessage) ([]TemplateParam, error) {
	if len(value) == 0 {
		return nil, nil
	}
	switch value[0] {
	case '[':
		return parseParamArray(value)
	case '{':
		spec, err := parseParamObject(value, false)
		return spec.Params, err
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, err
		}
		return parseParamList(s), nil
	case 'n':
		return nil, nil
	}
	return nil, fmt.Errorf("%w: params must be a list, an object or a string", ErrInvalidTemplateParams)
}

func parseParamList(s string) []TemplateParam {
	s = strings.ReplaceAll(s, "，", ",")

	var params []TemplateParam
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			params = append(params, TemplateParam{Name: name})
		}
	}
	return params
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	switch t := v.(type) {
	case string:
		return t, nil
	case bool, float64:
		return string(raw), nil
	}
	return "", fmt.Errorf("%w: expected a scalar, got %s", ErrInvalidTemplateParams, raw)
}

func checkUnique(params []TemplateParam) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidTemplateParams, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
