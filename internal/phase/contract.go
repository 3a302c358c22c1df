package phase

import (
	"fmt"
	"sort"

	"github.com/dwellfi/provision-brain/internal/domain"
)

// Kind is the declared type of a contract field. Values cross a JSON
// boundary, so numeric kinds accept anything that decodes to a number.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	KindAny    Kind = "any"
)

// Aggregate names the strategy used when a global phase consumes per-unit
// outputs of this field.
type Aggregate string

const (
	AggDefault Aggregate = ""
	AggSum     Aggregate = "sum"
	AggConcat  Aggregate = "concat"
	AggMerge   Aggregate = "merge"
	AggList    Aggregate = "list"
)

type Field struct {
	Name      string
	Kind      Kind
	Optional  bool
	Aggregate Aggregate
}

// Contract is the runtime schema descriptor an executor declares for its
// Inputs and Outputs. Validation is a single pass over the descriptor
// against the resolved input map.
type Contract struct {
	Inputs  []Field
	Outputs []Field
}

func (c Contract) InputNames() []string  { return fieldNames(c.Inputs) }
func (c Contract) OutputNames() []string { return fieldNames(c.Outputs) }

func fieldNames(fs []Field) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Name)
	}
	return out
}

// ValidateInputs checks that every required field is present and typed
// correctly. Failures are SETUP_ERROR: the phase must not run.
func (c Contract) ValidateInputs(in map[string]any) error {
	for _, f := range c.Inputs {
		v, ok := in[f.Name]
		if !ok || v == nil {
			if f.Optional {
				continue
			}
			return domain.NewPhaseError(domain.SetupError, "missing required input %q", f.Name)
		}
		if !matchesKind(f.Kind, v) {
			return domain.NewPhaseError(domain.SetupError, "input %q: expected %s, got %T", f.Name, f.Kind, v)
		}
	}
	return nil
}

func matchesKind(k Kind, v any) bool {
	switch k {
	case KindAny, "":
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt, KindFloat:
		return isNumber(v)
	case KindList:
		switch v.(type) {
		case []any, []string, []int, []float64, []map[string]any:
			return true
		}
		return false
	case KindMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// effectiveAggregate resolves the default strategy from the field kind:
// numbers sum, lists concatenate, maps merge, everything else is listed.
func effectiveAggregate(f Field) Aggregate {
	if f.Aggregate != AggDefault {
		return f.Aggregate
	}
	switch f.Kind {
	case KindInt, KindFloat:
		return AggSum
	case KindList:
		return AggConcat
	case KindMap:
		return AggMerge
	default:
		return AggList
	}
}

// AggregateOutputs folds per-unit output maps into the single map a
// downstream global phase sees. Unit order is normalized by unit id so the
// result is deterministic.
func AggregateOutputs(c Contract, perUnit map[string]map[string]any) map[string]any {
	unitIDs := make([]string, 0, len(perUnit))
	for id := range perUnit {
		unitIDs = append(unitIDs, id)
	}
	sort.Strings(unitIDs)

	out := map[string]any{}
	for _, f := range c.Outputs {
		var values []any
		for _, id := range unitIDs {
			if v, ok := perUnit[id][f.Name]; ok && v != nil {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		switch effectiveAggregate(f) {
		case AggSum:
			var sum float64
			for _, v := range values {
				if n, ok := toFloat(v); ok {
					sum += n
				}
			}
			out[f.Name] = sum
		case AggConcat:
			var joined []any
			for _, v := range values {
				joined = append(joined, asList(v)...)
			}
			out[f.Name] = joined
		case AggMerge:
			merged := map[string]any{}
			for _, v := range values {
				if m, ok := v.(map[string]any); ok {
					for k, mv := range m {
						merged[k] = mv
					}
				}
			}
			out[f.Name] = merged
		default:
			out[f.Name] = values
		}
	}
	return out
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}

// String formats a contract for the workflow graph endpoint.
func (c Contract) String() string {
	return fmt.Sprintf("inputs=%v outputs=%v", c.InputNames(), c.OutputNames())
}
