package middlewares

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const contentEncodingHeader = "Content-Encoding"
const acceptEncodingHeader = "Accept-Encoding"

type compressedResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *compressedResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.Header().Add("Vary", acceptEncodingHeader)
	// The content-length after compression is unknown
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressedResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

func negotiateEncoding(acceptEncoding string) string {
	for _, encoding := range []string{"zstd", "gzip"} {
		if strings.Contains(acceptEncoding, encoding) {
			return encoding
		}
	}
	return ""
}

// MakeCompressionMiddleware compresses responses with zstd or gzip, whichever the client accepts first.
// Requests are passed through untouched.
func MakeCompressionMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := negotiateEncoding(r.Header.Get(acceptEncodingHeader))
		if encoding == "" || w.Header().Get(contentEncodingHeader) != "" {
			h.ServeHTTP(w, r)
			return
		}
		var writer io.WriteCloser
		switch encoding {
		case "zstd":
			zw, err := zstd.NewWriter(w)
			if err != nil {
				h.ServeHTTP(w, r)
				return
			}
			writer = zw
		default:
			writer = gzip.NewWriter(w)
		}
		defer writer.Close()
		w.Header().Set(contentEncodingHeader, encoding)
		h.ServeHTTP(&compressedResponseWriter{Writer: writer, ResponseWriter: w}, r)
	})
}
