package filters

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/azargarov/ldgate/exchange"
)

// OriginalURIHeader carries the request URI seen before rewriting.
const OriginalURIHeader = "X-Original-Uri"

// PrefixRewrite maps the public path prefix From onto the identity
// prefix To, so resources are addressed by their identity URIs.
type PrefixRewrite struct {
	From string
	To   string
}

func (p PrefixRewrite) Filter(req *exchange.Request) (*exchange.Request, error) {
	if req.URL == nil || p.From == "" || !strings.HasPrefix(req.URL.Path, p.From) {
		return req, nil
	}
	out := req.Clone()
	out.Header.Set(OriginalURIHeader, req.URL.RequestURI())
	out.URL.Path = p.To + strings.TrimPrefix(req.URL.Path, p.From)
	out.URL.RawPath = ""
	return out, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHeaders drops hop-by-hop headers, including those named by
// Connection, and trims whitespace from the remaining values.
type NormalizeHeaders struct{}

func (NormalizeHeaders) Filter(req *exchange.Request) (*exchange.Request, error) {
	out := req.Clone()
	h := out.Header
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	for k, vs := range h {
		for i, v := range vs {
			vs[i] = strings.TrimSpace(v)
		}
		if ck := http.CanonicalHeaderKey(k); ck != k {
			delete(h, k)
			h[ck] = append(h[ck], vs...)
		}
	}
	return out, nil
}
