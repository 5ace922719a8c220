// Content-Encoding support for the API: JSON responses are compressed with
// zstd, brotli or gzip at fast levels and request bodies are decompressed.
// Event streams are never compressed; buffering would delay frames.
package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/appforge/appforge/backend/internal/server/dto"
)

// maxDecodedBody bounds the zstd decoder window for request bodies.
const maxDecodedBody = 10 << 20

type codec struct {
	name      string
	newWriter func(io.Writer) io.WriteCloser
	newReader func(io.Reader) (io.ReadCloser, error)
}

// codecs is in server preference order.
var codecs = []codec{
	{
		name: "zstd",
		newWriter: func(w io.Writer) io.WriteCloser {
			enc, _ := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(maxDecodedBody))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	},
	{
		name:      "br",
		newWriter: func(w io.Writer) io.WriteCloser { return brotli.NewWriterLevel(w, 1) },
		newReader: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(brotli.NewReader(r)), nil },
	},
	{
		name: "gzip",
		newWriter: func(w io.Writer) io.WriteCloser {
			gz, _ := gzip.NewWriterLevel(w, gzip.BestSpeed)
			return gz
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
	},
}

func lookupCodec(name string) *codec {
	for i := range codecs {
		if codecs[i].name == name {
			return &codecs[i]
		}
	}
	return nil
}

// negotiate picks the preferred codec accepted by the Accept-Encoding header.
// Encodings with q=0 are refused.
func negotiate(header string) *codec {
	accepted := map[string]bool{}
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if name == "" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		accepted[strings.ToLower(name)] = true
	}
	for i := range codecs {
		if accepted[codecs[i].name] {
			return &codecs[i]
		}
	}
	return nil
}

// compressMiddleware compresses responses per the client's Accept-Encoding.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := negotiate(r.Header.Get("Accept-Encoding"))
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, codec: c}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// compressWriter decides on the first write whether to compress, based on
// the response headers set by the handler.
type compressWriter struct {
	http.ResponseWriter
	codec   *codec
	w       io.WriteCloser // nil when passing through
	decided bool
}

func (cw *compressWriter) WriteHeader(code int) {
	cw.decide()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	cw.decide()
	if cw.w == nil {
		return cw.ResponseWriter.Write(b)
	}
	return cw.w.Write(b)
}

func (cw *compressWriter) decide() {
	if cw.decided {
		return
	}
	cw.decided = true
	h := cw.Header()
	if h.Get("Content-Encoding") != "" || strings.HasPrefix(h.Get("Content-Type"), "text/event-stream") {
		return
	}
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.codec.name)
	h.Add("Vary", "Accept-Encoding")
	cw.w = cw.codec.newWriter(cw.ResponseWriter)
}

func (cw *compressWriter) finish() {
	if cw.w != nil {
		_ = cw.w.Close()
	}
}

// Flush implements http.Flusher. Only pass-through responses are flushed.
func (cw *compressWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// decompressMiddleware decodes request bodies per their Content-Encoding.
func decompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ce := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		if ce == "" || ce == "identity" {
			next.ServeHTTP(w, r)
			return
		}
		c := lookupCodec(ce)
		if c == nil {
			writeError(w, dto.BadRequest("unsupported Content-Encoding: "+ce))
			return
		}
		body, err := c.newReader(r.Body)
		if err != nil {
			writeError(w, dto.BadRequest("invalid "+ce+" body"))
			return
		}
		r.Body = body
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}
