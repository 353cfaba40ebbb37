// Package etag computes the content identity token used for
// conditional-request matching.
package etag

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/snapserve/snapserve/pkg/body"
)

// Token is the entity tag of one payload: the lowercase hex SHA-256 of
// the stored bytes wrapped in double quotes, or Empty for a payload
// with no readable bytes. The digest covers the bytes exactly as
// stored, so a compressed payload is identified by its compressed form.
type Token string

// Empty is the token of the zero-length payload. It is a fixed literal,
// never the hash of anything.
const Empty Token = `""`

// FromBuffer computes the token for buf, streaming its chunks through
// the hasher without materializing the payload.
func FromBuffer(buf body.Buffer) Token {
	if buf.Len() == 0 {
		return Empty
	}
	h := sha256.New()
	for _, chunk := range buf.Chunks() {
		h.Write(chunk)
	}
	return Token(`"` + hex.EncodeToString(h.Sum(nil)) + `"`)
}

// Matches reports whether the token appears byte-for-byte anywhere in
// an If-None-Match header value. This is containment, not list
// parsing: a header listing several quoted validators contains a
// matching token as a contiguous substring, quotes included.
func (t Token) Matches(header []byte) bool {
	return bytes.Contains(header, []byte(t))
}
