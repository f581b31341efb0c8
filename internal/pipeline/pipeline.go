package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

// Result is the payload after filtering and transformation. When Rejected
// is set the subscription is skipped for this event; that is not a failure.
type Result struct {
	Data     map[string]any
	Rejected bool
	Reason   string
}

// Pipeline applies a subscription's filters and transformations to an
// event payload. It is stateless and safe for concurrent use.
type Pipeline struct {
	scriptTimeout time.Duration
}

func New() *Pipeline {
	return &Pipeline{scriptTimeout: defaultScriptTimeout}
}

// WithScriptTimeout overrides the JS transform execution budget.
func (p *Pipeline) WithScriptTimeout(d time.Duration) *Pipeline {
	p.scriptTimeout = d
	return p
}

// Apply runs filters then transformations over a copy of payload.
func (p *Pipeline) Apply(filters []domain.Filter, transforms []domain.Transformation, payload map[string]any) (Result, error) {
	data := copyMap(payload)

	for i := range filters {
		f := &filters[i]
		if err := f.Validate(); err != nil {
			return Result{}, err
		}

		switch f.Type {
		case domain.FilterCondition:
			if !evaluate(f.Condition, data) {
				return Result{
					Rejected: true,
					Reason:   fmt.Sprintf("condition %s %s not met", f.Condition.Field, f.Condition.Operator),
				}, nil
			}
		case domain.FilterInclude:
			data = include(data, f.Fields)
		case domain.FilterExclude:
			for _, field := range f.Fields {
				deletePath(data, field)
			}
		case domain.FilterMask:
			mask(data, f.Fields, f.MaskChar, f.KeepLast)
		}
	}

	for i := range transforms {
		t := &transforms[i]
		if err := t.Validate(); err != nil {
			return Result{}, err
		}

		switch t.Type {
		case domain.TransformRename:
			if v, ok := getPath(data, t.From); ok {
				deletePath(data, t.From)
				setPath(data, t.To, v)
			}
		case domain.TransformCopy:
			if v, ok := getPath(data, t.From); ok {
				setPath(data, t.To, deepCopy(v))
			}
		case domain.TransformSet:
			setPath(data, t.To, deepCopy(t.Value))
		case domain.TransformRemove:
			deletePath(data, t.From)
		case domain.TransformWrap:
			wrapped := make(map[string]any)
			setPath(wrapped, t.To, data)
			data = wrapped
		case domain.TransformScript:
			out, dropped, err := runScript(t.Script, data, p.scriptTimeout)
			if err != nil {
				return Result{}, fmt.Errorf("running script transformation: %w", err)
			}
			if dropped {
				return Result{Rejected: true, Reason: "script dropped payload"}, nil
			}
			data = out
		}
	}

	return Result{Data: data}, nil
}

func include(data map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if v, ok := getPath(data, field); ok {
			setPath(out, field, v)
		}
	}
	return out
}

func mask(data map[string]any, fields []string, maskChar string, keepLast int) {
	if maskChar == "" {
		maskChar = "*"
	}
	for _, field := range fields {
		v, ok := getPath(data, field)
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		runes := []rune(s)
		keep := keepLast
		if keep > len(runes) {
			keep = len(runes)
		}
		masked := strings.Repeat(maskChar, len(runes)-keep) + string(runes[len(runes)-keep:])
		setPath(data, field, masked)
	}
}
