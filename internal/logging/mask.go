package logging

import "strings"

// MaskedValue replaces secret values wherever they are rendered.
const MaskedValue = "***"

// Masker redacts a fixed set of secret values from strings before they
// reach logs or persisted state. Values shorter than 4 bytes are not
// registered; masking them would leak their length for trivial secrets
// while matching unrelated text.
type Masker struct {
	values []string
}

// NewMasker builds a Masker from the given secret values.
func NewMasker(values ...string) *Masker {
	m := &Masker{}
	m.Add(values...)
	return m
}

// Add registers additional secret values.
func (m *Masker) Add(values ...string) {
	for _, v := range values {
		if len(v) >= 4 {
			m.values = append(m.values, v)
		}
	}
}

// Mask returns s with every registered secret value replaced.
func (m *Masker) Mask(s string) string {
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, MaskedValue)
	}
	return s
}

// MaskAll masks every element of a string slice, returning a new slice.
func (m *Masker) MaskAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = m.Mask(s)
	}
	return out
}
