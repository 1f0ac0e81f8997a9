package server

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"
)

// gzipMinSize is the smallest response body worth compressing. Tiny tiles and
// JSON stubs cost more in headers than they save.
const gzipMinSize = 860

// withCORS opens the API to browser clients. Chart plotters and map
// playgrounds run cross-origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bufferingWriter captures the response so the gzip decision can be made on
// the final body size.
type bufferingWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// withGzip compresses bodies above gzipMinSize for clients that accept it.
// Already-encoded responses pass through untouched.
func withGzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		buf := &bufferingWriter{header: w.Header().Clone()}
		next.ServeHTTP(buf, r)

		for k, vs := range buf.header {
			w.Header()[k] = vs
		}

		body := buf.body.Bytes()
		compress := buf.body.Len() >= gzipMinSize &&
			buf.header.Get("Content-Encoding") == "" &&
			buf.status < 300

		if !compress {
			if len(body) > 0 {
				w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			}
			w.WriteHeader(statusOr200(buf.status))
			w.Write(body)
			return
		}

		var packed bytes.Buffer
		gz := gzip.NewWriter(&packed)
		gz.Write(body)
		gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		w.WriteHeader(statusOr200(buf.status))
		w.Write(packed.Bytes())
	})
}

func statusOr200(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
