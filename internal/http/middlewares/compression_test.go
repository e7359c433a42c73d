package middlewares

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
)

const body = "the same line over and over, the same line over and over, the same line over and over"

var helloHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "999")
	w.WriteHeader(http.StatusTeapot)
	w.Write([]byte(body))
})

func serve(acceptEncoding string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if acceptEncoding != "" {
		req.Header.Set(acceptEncodingHeader, acceptEncoding)
	}
	rec := httptest.NewRecorder()
	MakeCompressionMiddleware(helloHandler).ServeHTTP(rec, req)
	return rec
}

func TestCompressionMiddlewareGzip(t *testing.T) {
	testutils.SkipIfIntegration(t)
	rec := serve("gzip, deflate")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get(contentEncodingHeader))
	assert.Equal(t, "", rec.Header().Get("Content-Length"))
	reader, err := gzip.NewReader(rec.Body)
	if assert.Nil(t, err) {
		data, err := io.ReadAll(reader)
		assert.Nil(t, err)
		assert.Equal(t, body, string(data))
	}
}

func TestCompressionMiddlewareZstd(t *testing.T) {
	testutils.SkipIfIntegration(t)
	rec := serve("zstd, gzip")
	assert.Equal(t, "zstd", rec.Header().Get(contentEncodingHeader))
	decoder, err := zstd.NewReader(rec.Body)
	if assert.Nil(t, err) {
		defer decoder.Close()
		data, err := io.ReadAll(decoder)
		assert.Nil(t, err)
		assert.Equal(t, body, string(data))
	}
}

func TestCompressionMiddlewarePassthrough(t *testing.T) {
	testutils.SkipIfIntegration(t)
	rec := serve("")
	assert.Equal(t, "", rec.Header().Get(contentEncodingHeader))
	assert.Equal(t, body, rec.Body.String())
}
