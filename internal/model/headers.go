package model

import (
	"net/textproto"
	"strings"
)

// Headers is a case-insensitive multi-map of message headers. Keys are stored
// in canonical MIME form so lookups work regardless of the casing the sender
// used.
type Headers map[string][]string

// Add appends a value under the canonical form of key.
func (h Headers) Add(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	h[ck] = append(h[ck], value)
}

// Get returns all values recorded for key.
func (h Headers) Get(key string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// First returns the first value for key, or "".
func (h Headers) First(key string) string {
	vs := h.Get(key)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Joined returns every value for key concatenated with a single space.
// Multi-valued headers such as Authentication-Results are evaluated against
// this combined string.
func (h Headers) Joined(key string) string {
	return strings.Join(h.Get(key), " ")
}
