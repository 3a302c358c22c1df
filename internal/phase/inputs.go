package phase

// Inputs is the resolved, contract-validated input map handed to an
// executor. The typed getters return zero values for absent fields; required
// fields were already enforced by the contract.
type Inputs map[string]any

func (in Inputs) String(key string) string {
	s, _ := in[key].(string)
	return s
}

func (in Inputs) Bool(key string) bool {
	b, _ := in[key].(bool)
	return b
}

func (in Inputs) Int(key string) int {
	if n, ok := toFloat(in[key]); ok {
		return int(n)
	}
	return 0
}

func (in Inputs) Float(key string) float64 {
	n, _ := toFloat(in[key])
	return n
}

func (in Inputs) Map(key string) map[string]any {
	m, _ := in[key].(map[string]any)
	return m
}

func (in Inputs) List(key string) []any {
	if v, ok := in[key]; ok && v != nil {
		return asList(v)
	}
	return nil
}

func (in Inputs) StringList(key string) []string {
	raw := in.List(key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
