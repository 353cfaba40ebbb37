// Package coding enumerates the content codings a stored payload can be
// in and implements the Accept-Encoding checks used during encoding
// negotiation.
package coding

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Encoding is one of the content codings the store supports.
type Encoding int

const (
	Identity Encoding = iota
	Brotli
	Gzip
	Deflate
)

// String returns the canonical lowercase wire name.
func (e Encoding) String() string {
	switch e {
	case Brotli:
		return "br"
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	default:
		return "identity"
	}
}

// Parse maps a wire name to its Encoding. The empty string parses as
// Identity.
func Parse(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "identity":
		return Identity, nil
	case "br":
		return Brotli, nil
	case "gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	}
	return Identity, fmt.Errorf("unknown content coding %q", name)
}

// ContainedIn reports whether the encoding's wire name appears as a raw
// byte substring of an Accept-Encoding header. It deliberately does not
// parse the header as a list: a token that merely embeds the name
// matches too, and q=0 exclusions are ignored. See AcceptedBy for the
// structured alternative.
func (e Encoding) ContainedIn(header []byte) bool {
	return bytes.Contains(header, []byte(e.String()))
}

// AcceptedBy reports whether the encoding is acceptable per a parsed
// reading of the Accept-Encoding header: comma-separated codings with
// optional quality values, where q=0 refuses a coding and "*" stands
// for every coding not named explicitly.
func (e Encoding) AcceptedBy(header string) bool {
	var wildcard, named, accepted bool
	for _, elem := range strings.Split(header, ",") {
		name, q := splitQuality(elem)
		switch {
		case name == "":
		case name == "*":
			wildcard = q > 0
		case strings.EqualFold(name, e.String()):
			named = true
			accepted = q > 0
		}
	}
	if named {
		return accepted
	}
	return wildcard
}

// splitQuality splits one Accept-Encoding element into the coding name
// and its quality value. The quality defaults to 1 when absent or
// unparseable.
func splitQuality(elem string) (string, float64) {
	name, params, _ := strings.Cut(elem, ";")
	q := 1.0
	for params != "" {
		var param string
		param, params, _ = strings.Cut(params, ";")
		key, val, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			q = parsed
		}
	}
	return strings.TrimSpace(name), q
}
