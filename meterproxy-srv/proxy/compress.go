package proxy

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http/httpguts"
)

// minCompressSize skips bodies too small to benefit.
const minCompressSize = 256

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/x-javascript",
	"application/ld+json",
	"application/xml",
	"application/xhtml+xml",
	"application/rss+xml",
	"application/atom+xml",
	"image/svg+xml",
}

// negotiateEncoding picks the content coding for an Accept-Encoding value.
// Brotli wins over gzip at equal quality. It returns "" when neither is
// acceptable.
func negotiateEncoding(acceptEncoding string) string {
	qualities := map[string]float64{}
	wildcard := -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" {
			continue
		}
		q := 1.0
		for _, param := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), "q") {
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
					q = parsed
				}
			}
		}
		if coding == "*" {
			wildcard = q
			continue
		}
		qualities[coding] = q
	}

	quality := func(coding string) float64 {
		if q, ok := qualities[coding]; ok {
			return q
		}
		return wildcard
	}

	best, bestQ := "", 0.0
	for _, coding := range []string{"br", "gzip"} {
		if q := quality(coding); q > bestQ {
			best, bestQ = coding, q
		}
	}
	return best
}

func isCompressibleType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// compressionFor returns the coding to apply to resp, or "". Responses that
// are already encoded are never compressed again.
func compressionFor(req *http.Request, resp *http.Response) string {
	if req.Method == http.MethodHead {
		return ""
	}
	switch {
	case resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified,
		resp.StatusCode == http.StatusPartialContent:
		return ""
	}
	if ce := resp.Header.Get("Content-Encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
		return ""
	}
	if resp.Header.Get("Content-Range") != "" {
		return ""
	}
	if httpguts.HeaderValuesContainsToken(resp.Header["Cache-Control"], "no-transform") {
		return ""
	}
	if !isCompressibleType(resp.Header.Get("Content-Type")) {
		return ""
	}
	if resp.ContentLength >= 0 && resp.ContentLength < minCompressSize {
		return ""
	}
	return negotiateEncoding(req.Header.Get("Accept-Encoding"))
}

type compressedBody struct {
	*io.PipeReader
	src io.Closer
}

func (b *compressedBody) Close() error {
	err := b.PipeReader.Close()
	if cerr := b.src.Close(); err == nil {
		err = cerr
	}
	return err
}

// compressResponse replaces the body of resp with its encoding in coding.
func compressResponse(req *http.Request, resp *http.Response, coding string) {
	src := resp.Body
	pr, pw := io.Pipe()

	go func() {
		var enc io.WriteCloser
		switch coding {
		case "br":
			enc = brotli.NewWriterLevel(pw, brotli.DefaultCompression)
		default:
			enc = gzip.NewWriter(pw)
		}
		_, err := copyBuffer(enc, src)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	resp.Body = &compressedBody{PipeReader: pr, src: src}
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Encoding", coding)
	if !httpguts.HeaderValuesContainsToken(resp.Header["Vary"], "Accept-Encoding") {
		resp.Header.Add("Vary", "Accept-Encoding")
	}
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		resp.Header.Set("ETag", "W/"+etag)
	}
	if req.ProtoAtLeast(1, 1) {
		resp.TransferEncoding = []string{"chunked"}
	} else {
		resp.TransferEncoding = nil
	}
}
