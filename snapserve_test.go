package snapserve

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/snapserve/snapserve/pkg/coding"
)

func serve(svc *Service, req *http.Request) *http.Response {
	rr := httptest.NewRecorder()
	svc.ServeHTTP(rr, req)
	return rr.Result()
}

func readBody(t *testing.T, res *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func gzipPayload(t *testing.T, plain []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := gzip.NewWriter(buf)
	if _, err := w.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func quotedDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func TestMethodNotAllowed(t *testing.T) {
	svc := New(Config{})
	svc.FillBytes([]byte("payload"))

	for _, method := range []string{"POST", "PUT", "DELETE", "OPTIONS"} {
		res := serve(svc, httptest.NewRequest(method, "/", nil))
		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s returned status %d", method, res.StatusCode)
		}
		if body := readBody(t, res); string(body) != "Method not allowed" {
			t.Fatalf("%s body is %q", method, body)
		}
	}
}

func TestEmptyStoreNoContent(t *testing.T) {
	svc := New(Config{})

	res := serve(svc, httptest.NewRequest("GET", "/", nil))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); len(body) != 0 {
		t.Fatalf("Body is %q", body)
	}
	if tag := res.Header.Get("ETag"); tag != "" {
		t.Fatalf("ETag header is %q", tag)
	}
}

func TestHeadReturnsHeadersOnly(t *testing.T) {
	payload := []byte("payload")
	svc := New(Config{})
	svc.Header().Set("Content-Type", "text/plain")
	svc.FillBytes(payload)

	res := serve(svc, httptest.NewRequest("HEAD", "/", nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); len(body) != 0 {
		t.Fatalf("Body is %q", body)
	}
	if tag := res.Header.Get("ETag"); tag != quotedDigest(payload) {
		t.Fatalf("ETag header is %q", tag)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type header is %q", ct)
	}
}

func TestIfNoneMatchNotModified(t *testing.T) {
	payload := []byte("payload")
	svc := New(Config{})
	svc.FillBytes(payload)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("If-None-Match", quotedDigest(payload))
	res := serve(svc, req)
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); len(body) != 0 {
		t.Fatalf("Body is %q", body)
	}
	if tag := res.Header.Get("ETag"); tag != "" {
		t.Fatalf("304 carried ETag header %q", tag)
	}
}

func TestIfNoneMatchWithinValidatorList(t *testing.T) {
	payload := []byte("payload")
	svc := New(Config{})
	svc.FillBytes(payload)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("If-None-Match", `"other-tag", `+quotedDigest(payload)+`, *`)
	res := serve(svc, req)
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestIfNoneMatchMiss(t *testing.T) {
	payload := []byte("payload")
	svc := New(Config{})
	svc.FillBytes(payload)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("If-None-Match", `"stale-tag"`)
	res := serve(svc, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); !bytes.Equal(body, payload) {
		t.Fatalf("Body is %q", body)
	}
}

func TestIdentityPassThrough(t *testing.T) {
	payload := []byte("plain payload")
	svc := New(Config{})
	svc.FillBytes(payload)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	res := serve(svc, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); !bytes.Equal(body, payload) {
		t.Fatalf("Body is %q", body)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
}

func TestGzipPassThrough(t *testing.T) {
	plain := []byte("the plain text behind the stored payload")
	stored := gzipPayload(t, plain)
	svc := New(Config{Encoding: coding.Gzip})
	svc.FillBytes(stored)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	res := serve(svc, req)
	if body := readBody(t, res); !bytes.Equal(body, stored) {
		t.Fatalf("Body is not the stored bytes (got %d, want %d)", len(body), len(stored))
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
	if tag := res.Header.Get("ETag"); tag != quotedDigest(stored) {
		t.Fatalf("ETag header is %q, want digest of the stored bytes", tag)
	}
}

func TestGzipDecodedForIdentityClient(t *testing.T) {
	plain := []byte("the plain text behind the stored payload")
	svc := New(Config{Encoding: coding.Gzip})
	svc.FillBytes(gzipPayload(t, plain))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "identity")
	res := serve(svc, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); !bytes.Equal(body, plain) {
		t.Fatalf("Body is %q", body)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
}

func TestNoAcceptEncodingPassThrough(t *testing.T) {
	stored := gzipPayload(t, []byte("plain"))
	svc := New(Config{Encoding: coding.Gzip})
	svc.FillBytes(stored)

	res := serve(svc, httptest.NewRequest("GET", "/", nil))
	if body := readBody(t, res); !bytes.Equal(body, stored) {
		t.Fatalf("Body is not the stored bytes")
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
}

func TestEmptyPayload(t *testing.T) {
	svc := New(Config{Encoding: coding.Gzip})
	svc.FillBytes(nil)

	res := serve(svc, httptest.NewRequest("GET", "/", nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); len(body) != 0 {
		t.Fatalf("Body is %q", body)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
	if tag := res.Header.Get("ETag"); tag != `""` {
		t.Fatalf("ETag header is %q", tag)
	}
}

func TestExtraHeadersPreserveMultiplicity(t *testing.T) {
	headers := http.Header{}
	headers.Add("Link", "</a>; rel=preload")
	headers.Add("Link", "</b>; rel=preload")
	svc := New(Config{Headers: headers})
	svc.FillBytes([]byte("payload"))

	res := serve(svc, httptest.NewRequest("GET", "/", nil))
	links := res.Header.Values("Link")
	if len(links) != 2 || links[0] != "</a>; rel=preload" || links[1] != "</b>; rel=preload" {
		t.Fatalf("Link headers are %v", links)
	}
}

func TestStrictNegotiationHonorsQZero(t *testing.T) {
	plain := []byte("plain text")
	stored := gzipPayload(t, plain)

	req := func() *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Accept-Encoding", "gzip;q=0")
		return r
	}

	// The default substring scan sees "gzip" and passes through.
	loose := New(Config{Encoding: coding.Gzip})
	loose.FillBytes(stored)
	if body := readBody(t, serve(loose, req())); !bytes.Equal(body, stored) {
		t.Fatal("loose negotiation did not pass the stored bytes through")
	}

	// The strict parser treats q=0 as a refusal and decodes.
	strict := New(Config{Encoding: coding.Gzip, StrictNegotiation: true})
	strict.FillBytes(stored)
	res := serve(strict, req())
	if body := readBody(t, res); !bytes.Equal(body, plain) {
		t.Fatalf("Body is %q", body)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Content-Encoding header is %q", ce)
	}
}

func TestRespondBodySizeHints(t *testing.T) {
	plain := []byte("plain text")
	stored := gzipPayload(t, plain)
	svc := New(Config{Encoding: coding.Gzip})
	svc.FillBytes(stored)

	// Pass-through: exact size of the stored bytes.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	res := svc.Respond(req)
	defer res.Body.Close()
	if n, ok := res.Body.Size(); !ok || n != int64(len(stored)) {
		t.Fatalf("pass-through size is %d (exact=%v)", n, ok)
	}

	// Decode-and-stream: no exact size is knowable upfront.
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "identity")
	res = svc.Respond(req)
	defer res.Body.Close()
	if _, ok := res.Body.Size(); ok {
		t.Fatal("stream body reported an exact size")
	}
}

func TestConcurrentFillAndRead(t *testing.T) {
	svc := New(Config{})
	svc.FillBytes([]byte("seed"))

	payloads := make([][]byte, 8)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("payload variant %d", i))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			svc.FillBytes(payloads[i%len(payloads)])
		}
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				res := serve(svc, httptest.NewRequest("GET", "/", nil))
				body, err := io.ReadAll(res.Body)
				if err != nil {
					t.Error(err)
					return
				}
				if tag := res.Header.Get("ETag"); tag != quotedDigest(body) {
					t.Errorf("ETag %q does not match body %q", tag, body)
					return
				}
			}
		}()
	}
	wg.Wait()
}
