// Package snapserve serves a single in-memory payload over HTTP. It
// answers GET and HEAD requests for exactly one resource, with
// conditional-request caching via a content-derived ETag and
// content-encoding negotiation: when a client cannot accept the coding
// the payload is stored in, the payload is decompressed on the fly and
// streamed as identity bytes.
//
// A Service holds one resource slot; create one Service per resource.
package snapserve

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snapserve/snapserve/pkg/body"
	"github.com/snapserve/snapserve/pkg/coding"
	"github.com/snapserve/snapserve/pkg/etag"
	"github.com/snapserve/snapserve/pkg/transcode"
)

type Config struct {
	// Extra headers merged into every successful response.
	Headers http.Header
	// Content coding the payload bytes are stored in.
	Encoding coding.Encoding
	// Evaluate Accept-Encoding with a structured parse (quality values
	// and wildcards honored) instead of the default substring scan.
	StrictNegotiation bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Service holds the current payload snapshot and implements the
// request-handling protocol around it. The zero slot answers 204 until
// the first Fill.
type Service struct {
	headers  http.Header
	encoding coding.Encoding
	strict   bool
	log      zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// snapshot is one immutable (identity token, payload) pair. It is
// replaced wholesale on every Fill and never mutated afterwards, so a
// reader holding it can never observe a token that does not belong to
// the buffer next to it.
type snapshot struct {
	tag etag.Token
	buf body.Buffer
}

// New creates a Service from the given config.
func New(config Config) *Service {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "snapserve").Logger()

	s := &Service{
		headers: make(http.Header),
		strict:  config.StrictNegotiation,
		log:     logger,
	}
	copyHeader(s.headers, config.Headers)
	if config.Encoding != coding.Identity {
		s.SetEncoding(config.Encoding)
	}
	return s
}

// Header returns the extra response headers, for configuration by the
// owner. It must not be modified concurrently with request handling.
func (s *Service) Header() http.Header {
	return s.headers
}

// SetEncoding declares the content coding the stored payload bytes are
// in and sets the default Content-Encoding response header to its wire
// name. Identity sets no header. Configure the encoding before serving
// requests; it is not synchronized with in-flight calls.
func (s *Service) SetEncoding(enc coding.Encoding) {
	s.encoding = enc
	if enc == coding.Identity {
		s.headers.Del("Content-Encoding")
	} else {
		s.headers.Set("Content-Encoding", enc.String())
	}
}

// Fill replaces the current payload. The identity token is computed
// once, outside the lock, and swapped in together with the buffer, so
// concurrent readers see either the whole old snapshot or the whole
// new one.
func (s *Service) Fill(buf body.Buffer) {
	snap := &snapshot{tag: etag.FromBuffer(buf), buf: buf}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.log.Debug().
		Str("etag", string(snap.tag)).
		Int("bytes", buf.Len()).
		Msg("Payload replaced")
}

// FillBytes is Fill for a plain byte slice. The slice must not be
// modified after the call.
func (s *Service) FillBytes(p []byte) {
	s.Fill(body.Bytes(p))
}

func (s *Service) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Response is the outcome of one request against the store: a status
// code, a header map and a lazily produced body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       *body.Body
}

// Respond runs the request-handling protocol for r and returns the
// response. The caller owns the body and must close it when done with
// it; for streamed bodies this releases the decoder worker.
func (s *Service) Respond(r *http.Request) *Response {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		return &Response{
			StatusCode: http.StatusMethodNotAllowed,
			Header:     make(http.Header),
			Body:       body.Raw([]byte("Method not allowed")),
		}
	}

	snap := s.current()
	if snap == nil {
		return &Response{
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       body.Empty(),
		}
	}

	if inm := headerBytes(r.Header, "If-None-Match"); inm != nil && snap.tag.Matches(inm) {
		return &Response{
			StatusCode: http.StatusNotModified,
			Header:     make(http.Header),
			Body:       body.Empty(),
		}
	}

	header := make(http.Header)
	copyHeader(header, s.headers)
	header.Set("ETag", string(snap.tag))

	if r.Method == http.MethodHead {
		return &Response{StatusCode: http.StatusOK, Header: header, Body: body.Empty()}
	}

	if snap.buf.Len() == 0 {
		header.Del("Content-Encoding")
		return &Response{StatusCode: http.StatusOK, Header: header, Body: body.Empty()}
	}

	accept := headerBytes(r.Header, "Accept-Encoding")
	if accept == nil || s.encoding == coding.Identity || s.offered(accept) {
		s.log.Debug().
			Stringer("encoding", s.encoding).
			Int("bytes", snap.buf.Len()).
			Msg("Serving stored payload")
		return &Response{StatusCode: http.StatusOK, Header: header, Body: body.Buffered(snap.buf)}
	}

	// The client cannot take the stored coding: strip the header and
	// stream identity bytes from a decoder worker.
	header.Del("Content-Encoding")
	s.log.Debug().
		Stringer("encoding", s.encoding).
		Int("bytes", snap.buf.Len()).
		Msg("Decoding stored payload for client")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       transcode.Spawn(s.encoding, snap.buf, s.log),
	}
}

// ServeHTTP implements the http.Handler interface. It drains the
// response body into the client connection, flushing after every chunk
// of a streamed body.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := s.Respond(r)
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	_, sized := res.Body.Size()
	var written int64
	for {
		chunk, err := res.Body.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A decode fault mid-body: abort the connection so the
			// client sees a broken response, not a clean truncation.
			s.log.Error().Err(err).Msg("Could not decode stored payload")
			panic(http.ErrAbortHandler)
		}
		n, werr := w.Write(chunk)
		written += int64(n)
		if werr != nil {
			s.log.Error().Err(werr).Msg("Could not write response body to client")
			return
		}
		if !sized && canFlush {
			flusher.Flush()
		}
	}
	s.log.Trace().Msgf("Wrote body (%d bytes)", written)
}

// offered reports whether the stored coding is acceptable to a client
// that sent the given Accept-Encoding bytes.
func (s *Service) offered(accept []byte) bool {
	if s.strict {
		return s.encoding.AcceptedBy(string(accept))
	}
	return s.encoding.ContainedIn(accept)
}

// headerBytes returns all values of the named header joined the way
// they would appear in a single field line, or nil if the header is
// absent.
func headerBytes(h http.Header, name string) []byte {
	values := h.Values(name)
	if len(values) == 0 {
		return nil
	}
	return []byte(strings.Join(values, ", "))
}

// copyHeader copies all values from src to dst, preserving order and
// multiplicity.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
