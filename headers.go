package libsoup

import "strings"

// Headers is an ordered, case-insensitive multimap of HTTP header fields.
// Iteration yields fields in append order, which is also the order they
// are submitted on the wire.
type Headers struct {
	fields [][2]string
}

func NewHeaders() *Headers {
	return &Headers{}
}

// Append adds a field after any existing ones with the same name.
func (h *Headers) Append(name, value string) {
	h.fields = append(h.fields, [2]string{name, value})
}

// Replace removes existing fields with the same name and appends one.
func (h *Headers) Replace(name, value string) {
	h.Remove(name)
	h.Append(name, value)
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f[0], name) {
			return f[1]
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f[0], name) {
			out = append(out, f[1])
		}
	}
	return out
}

// Remove deletes every field with the given name.
func (h *Headers) Remove(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f[0], name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Foreach calls fn for each field in order.
func (h *Headers) Foreach(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f[0], f[1])
	}
}

func (h *Headers) Len() int {
	return len(h.fields)
}

func (h *Headers) list() [][2]string {
	return h.fields
}

func headersFromList(fields [][2]string) *Headers {
	return &Headers{fields: fields}
}
