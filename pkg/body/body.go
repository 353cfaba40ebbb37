// Package body provides the payload buffer abstraction and the lazily
// produced response body used by the snapserve request path.
package body

import (
	"bytes"
	"io"
	"sync"
)

// Buffer is an immutable in-memory byte source. A Buffer value is a
// cheap handle: copying it never copies the underlying bytes, so the
// same payload can be shared by the store and any number of in-flight
// responses. Implementations must not mutate the bytes after the
// buffer has been handed to a Service.
type Buffer interface {
	// Len returns the number of readable bytes.
	Len() int
	// Chunks returns the contents as a sequence of contiguous byte
	// slices. Callers must not modify the returned slices.
	Chunks() [][]byte
}

// Bytes is the Buffer over a single contiguous byte slice.
type Bytes []byte

func (b Bytes) Len() int { return len(b) }

func (b Bytes) Chunks() [][]byte {
	if len(b) == 0 {
		return nil
	}
	return [][]byte{b}
}

// Rope is the Buffer over several non-contiguous segments, for payloads
// assembled from parts without a joining copy.
type Rope [][]byte

func (r Rope) Len() int {
	var n int
	for _, seg := range r {
		n += len(seg)
	}
	return n
}

func (r Rope) Chunks() [][]byte {
	chunks := make([][]byte, 0, len(r))
	for _, seg := range r {
		if len(seg) > 0 {
			chunks = append(chunks, seg)
		}
	}
	return chunks
}

// Reader returns an io.Reader over the buffer's bytes.
func Reader(buf Buffer) io.Reader {
	chunks := buf.Chunks()
	readers := make([]io.Reader, len(chunks))
	for i, chunk := range chunks {
		readers[i] = bytes.NewReader(chunk)
	}
	return io.MultiReader(readers...)
}

// Chunk is one unit on the stream between a decoder worker and a
// Stream body: either a slice of decoded bytes or a terminal error.
type Chunk struct {
	Data []byte
	Err  error
}

type kind int

const (
	kindEmpty kind = iota
	kindBuffered
	kindRaw
	kindStream
)

// Body is an outgoing response payload: zero or more byte chunks,
// produced lazily as the transport pulls them with Next. The variants
// form a closed set; all of them keep returning io.EOF once exhausted.
//
// A Body is consumed by a single goroutine and is not safe for
// concurrent use.
type Body struct {
	kind kind

	// Buffered
	chunks [][]byte
	pos    int

	// Raw
	raw   []byte
	taken bool

	// Stream
	recv   <-chan Chunk
	cancel func()
	closed sync.Once
	done   bool
	err    error
}

// Empty returns the body with no chunks at all.
func Empty() *Body {
	return &Body{kind: kindEmpty}
}

// Buffered returns a body yielding buf's chunks and then completing.
// For a single-chunk buffer the whole payload is handed out in one
// pull without copying.
func Buffered(buf Buffer) *Body {
	return &Body{kind: kindBuffered, chunks: buf.Chunks()}
}

// Raw returns a body yielding the given byte slice as one chunk. Used
// for static bodies such as error text.
func Raw(p []byte) *Body {
	return &Body{kind: kindRaw, raw: p}
}

// Stream returns a body that pulls chunks from recv until the channel
// is closed. A chunk carrying an error terminates the body with that
// error. Closing the body calls cancel so the producer can stop early;
// cancel may be nil.
func Stream(recv <-chan Chunk, cancel func()) *Body {
	return &Body{kind: kindStream, recv: recv, cancel: cancel}
}

// Next returns the next chunk of the body, blocking for a Stream body
// until the producer delivers one. It returns io.EOF when the body is
// complete, and keeps returning it on further calls. A terminal stream
// error is sticky: every call after it returns the same error.
func (b *Body) Next() ([]byte, error) {
	switch b.kind {
	case kindBuffered:
		for b.pos < len(b.chunks) {
			chunk := b.chunks[b.pos]
			b.pos++
			if len(chunk) > 0 {
				return chunk, nil
			}
		}
		return nil, io.EOF
	case kindRaw:
		if b.taken || len(b.raw) == 0 {
			return nil, io.EOF
		}
		b.taken = true
		return b.raw, nil
	case kindStream:
		if b.err != nil {
			return nil, b.err
		}
		if b.done {
			return nil, io.EOF
		}
		chunk, ok := <-b.recv
		if !ok {
			b.done = true
			return nil, io.EOF
		}
		if chunk.Err != nil {
			b.err = chunk.Err
			return nil, b.err
		}
		return chunk.Data, nil
	default:
		return nil, io.EOF
	}
}

// Size returns the exact number of bytes the body will still yield.
// For a Stream body no exact size is knowable upfront and ok is false.
func (b *Body) Size() (n int64, ok bool) {
	switch b.kind {
	case kindBuffered:
		for _, chunk := range b.chunks[b.pos:] {
			n += int64(len(chunk))
		}
		return n, true
	case kindRaw:
		if b.taken {
			return 0, true
		}
		return int64(len(b.raw)), true
	case kindStream:
		return 0, false
	default:
		return 0, true
	}
}

// Close releases the producer of a Stream body, letting a decoder
// worker blocked on a full queue terminate instead of waiting for a
// consumer that will never return. It is idempotent, a no-op for the
// other variants, and always returns nil.
func (b *Body) Close() error {
	if b.kind == kindStream && b.cancel != nil {
		b.closed.Do(b.cancel)
	}
	return nil
}

// WriteTo drains the body into w and returns the number of bytes
// written. It stops on the first write error or terminal body error.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for {
		chunk, err := b.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}
