// Package transcode runs blocking decompression of a stored payload on
// a dedicated goroutine, streaming the decoded bytes back to the
// request path through a bounded channel.
package transcode

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/snapserve/snapserve/pkg/body"
	"github.com/snapserve/snapserve/pkg/coding"
)

// chunkSize is how many decoded bytes a worker reads per iteration.
const chunkSize = 512

// Spawn starts a worker goroutine that decompresses buf with the
// decoder for enc and returns the Stream body fed by it. The channel
// between worker and body has capacity 1; a consumer that stops
// pulling stalls the worker rather than growing a queue. Closing the
// returned body makes a stalled worker terminate promptly.
//
// enc must not be Identity: identity payloads never need decoding, and
// the request protocol never dispatches them here.
func Spawn(enc coding.Encoding, buf body.Buffer, log zerolog.Logger) *body.Body {
	if enc == coding.Identity {
		panic("transcode: identity payloads never need decoding")
	}

	log.Debug().
		Stringer("encoding", enc).
		Int("bytes", buf.Len()).
		Msg("Decoder worker spawned")

	out := make(chan body.Chunk, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		dec, err := newDecoder(enc, body.Reader(buf))
		if err != nil {
			fault(out, done, err)
			return
		}
		run(dec, out, done)
	}()

	return body.Stream(out, func() { close(done) })
}

func newDecoder(enc coding.Encoding, r io.Reader) (io.Reader, error) {
	switch enc {
	case coding.Brotli:
		return brotli.NewReader(r), nil
	case coding.Gzip:
		return gzip.NewReader(r)
	case coding.Deflate:
		return flate.NewReader(r), nil
	}
	return nil, fmt.Errorf("transcode: no decoder for %v", enc)
}

// run reads decoded bytes until end of data, pushing each chunk onto
// out. A zero-byte read means the decoder is drained. A read error is
// delivered as a terminal chunk so the consumer sees an explicit fault
// instead of a truncated body.
func run(dec io.Reader, out chan<- body.Chunk, done <-chan struct{}) {
	for {
		chunk := make([]byte, chunkSize)
		n, err := dec.Read(chunk)
		if n > 0 {
			select {
			case out <- body.Chunk{Data: chunk[:n]}:
			case <-done:
				return
			}
		}
		switch {
		case err == io.EOF:
			return
		case err != nil:
			fault(out, done, err)
			return
		case n == 0:
			return
		}
	}
}

func fault(out chan<- body.Chunk, done <-chan struct{}, err error) {
	select {
	case out <- body.Chunk{Err: err}:
	case <-done:
	}
}
