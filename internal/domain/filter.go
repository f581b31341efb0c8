package domain

import "fmt"

type FilterType string

const (
	FilterInclude   FilterType = "include"
	FilterExclude   FilterType = "exclude"
	FilterCondition FilterType = "condition"
	FilterMask      FilterType = "mask"
)

// Operator is a comparison used by condition filters.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpExists, OpNotExists:
		return true
	}
	return false
}

// Condition gates delivery on a single payload field. Field is a dotted path.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value"`
}

// Filter is one step of the pre-delivery filter chain.
//
// include/exclude/mask act on Fields; condition uses Condition. Mask keeps
// the last KeepLast characters and replaces the rest with MaskChar.
type Filter struct {
	Type      FilterType `json:"type" yaml:"type"`
	Fields    []string   `json:"fields,omitempty" yaml:"fields"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition"`
	MaskChar  string     `json:"mask_char,omitempty" yaml:"mask_char"`
	KeepLast  int        `json:"keep_last,omitempty" yaml:"keep_last"`
}

func (f *Filter) Validate() error {
	switch f.Type {
	case FilterInclude, FilterExclude, FilterMask:
		if len(f.Fields) == 0 {
			return NewValidationError("filters.fields", fmt.Sprintf("%s filter needs at least one field", f.Type))
		}
		if f.KeepLast < 0 {
			return NewValidationError("filters.keep_last", "must not be negative")
		}
	case FilterCondition:
		if f.Condition == nil || f.Condition.Field == "" {
			return NewValidationError("filters.condition", "condition filter needs a field")
		}
		if !f.Condition.Operator.Valid() {
			return NewValidationError("filters.condition.operator", fmt.Sprintf("unknown operator %q", f.Condition.Operator))
		}
	default:
		return NewValidationError("filters.type", fmt.Sprintf("unknown filter type %q", f.Type))
	}
	return nil
}

type TransformationType string

const (
	TransformRename TransformationType = "rename"
	TransformSet    TransformationType = "set"
	TransformRemove TransformationType = "remove"
	TransformCopy   TransformationType = "copy"
	TransformWrap   TransformationType = "wrap"
	TransformScript TransformationType = "script"
)

// Transformation reshapes the filtered payload. From/To are dotted paths;
// Script holds a JavaScript body defining transform(data).
type Transformation struct {
	Type   TransformationType `json:"type" yaml:"type"`
	From   string             `json:"from,omitempty" yaml:"from"`
	To     string             `json:"to,omitempty" yaml:"to"`
	Value  any                `json:"value,omitempty" yaml:"value"`
	Script string             `json:"script,omitempty" yaml:"script"`
}

func (t *Transformation) Validate() error {
	switch t.Type {
	case TransformRename, TransformCopy:
		if t.From == "" || t.To == "" {
			return NewValidationError("transformations", fmt.Sprintf("%s needs from and to", t.Type))
		}
	case TransformSet, TransformWrap:
		if t.To == "" {
			return NewValidationError("transformations.to", fmt.Sprintf("%s needs to", t.Type))
		}
	case TransformRemove:
		if t.From == "" {
			return NewValidationError("transformations.from", "remove needs from")
		}
	case TransformScript:
		if t.Script == "" {
			return NewValidationError("transformations.script", "script body is required")
		}
	default:
		return NewValidationError("transformations.type", fmt.Sprintf("unknown transformation type %q", t.Type))
	}
	return nil
}
