package filters

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http/httpguts"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
)

// Decompress decodes gzip and br request bodies. Other encodings are
// refused with 415.
type Decompress struct{}

func (Decompress) Filter(req *exchange.Request) (*exchange.Request, error) {
	enc := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" {
		return req, nil
	}
	var open func(io.Reader) (io.Reader, error)
	switch enc {
	case "gzip", "x-gzip":
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case "br":
		open = func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }
	default:
		return nil, httperr.New(http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported content encoding %q", enc))
	}
	out := req.Clone()
	out.Header.Del("Content-Encoding")
	out.Header.Del("Content-Length")
	out.ContentLength = -1
	out.Body = &lazyDecoder{src: req.Body, open: open}
	return out, nil
}

// lazyDecoder defers reading the encoding header to the first Read so
// triage never blocks on the peer.
type lazyDecoder struct {
	src  io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (d *lazyDecoder) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.r, d.err = d.open(d.src)
		if d.err != nil {
			d.err = httperr.Wrap(http.StatusBadRequest, d.err)
		}
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.r.Read(p)
}

func (d *lazyDecoder) Close() error { return d.src.Close() }

// DefaultMinCompressSize is the smallest body Compress encodes.
const DefaultMinCompressSize = 1024

// Compress encodes response bodies with br or gzip, whichever the
// client accepts, preferring br.
type Compress struct {
	MinSize int
	// Level applies to gzip; zero selects the default.
	Level int
}

var compressible = []string{
	"text/", "application/json", "application/ld+json", "application/n-triples",
	"application/n-quads", "application/rdf+xml", "application/trig", "application/xml",
	"application/sparql-results", "application/javascript",
}

func (c Compress) FilterResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	if resp.Body == nil || req.Method == http.MethodHead ||
		resp.Status < http.StatusOK || resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified ||
		resp.Header.Get("Content-Encoding") != "" || !isCompressible(resp.Header.Get("Content-Type")) {
		return resp, nil
	}
	enc := negotiate(req.Header["Accept-Encoding"])
	if enc == "" {
		return resp, nil
	}
	minSize := c.MinSize
	if minSize <= 0 {
		minSize = DefaultMinCompressSize
	}
	if n, err := strconv.Atoi(resp.Header.Get("Content-Length")); err == nil && n < minSize {
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = nil
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Header.Add("Vary", "Accept-Encoding")
	if len(raw) < minSize {
		resp.SetBody(raw)
		return resp, nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch enc {
	case "br":
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	default:
		level := c.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gw, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		w = gw
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	resp.SetBody(buf.Bytes())
	resp.Header.Set("Content-Encoding", enc)
	return resp, nil
}

func isCompressible(ct string) bool {
	if ct == "" {
		return false
	}
	for _, p := range compressible {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// negotiate picks br or gzip from Accept-Encoding values, skipping
// codings refused with q=0.
func negotiate(accept []string) string {
	ok := map[string]bool{}
	for _, v := range accept {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(part, ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if !httpguts.ValidHeaderFieldName(name) {
				continue
			}
			ok[name] = !refused(params)
		}
	}
	switch {
	case ok["br"]:
		return "br"
	case ok["gzip"], ok["x-gzip"]:
		return "gzip"
	}
	return ""
}

func refused(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(k, "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q == 0
	}
	return false
}

// HeadStrip removes the body of responses to HEAD, keeping headers.
type HeadStrip struct{}

func (HeadStrip) FilterResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	if req.Method == http.MethodHead && resp.Body != nil {
		resp.Drain()
	}
	return resp, nil
}
