package filters

import (
	"net/http"
	"strings"

	"github.com/azargarov/ldgate/exchange"
)

// MethodGuard answers OPTIONS itself and refuses methods outside
// Allowed with 405.
type MethodGuard struct {
	Allowed []string
}

// DefaultMethods are the methods the resource handler implements.
var DefaultMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodOptions,
	http.MethodPut, http.MethodPost, http.MethodDelete,
}

func (g MethodGuard) allowed() []string {
	if len(g.Allowed) == 0 {
		return DefaultMethods
	}
	return g.Allowed
}

func (g MethodGuard) Intercept(req *exchange.Request) (*exchange.Response, error) {
	allow := strings.Join(g.allowed(), ", ")
	if req.Method == http.MethodOptions {
		resp := exchange.NewResponse(http.StatusNoContent)
		resp.Header.Set("Allow", allow)
		return resp, nil
	}
	for _, m := range g.allowed() {
		if m == req.Method {
			return nil, nil
		}
	}
	resp := exchange.Text(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	resp.Header.Set("Allow", allow)
	return resp, nil
}

// TrailingSlash redirects requests for a container path written
// without its trailing slash.
type TrailingSlash struct {
	// Containers are path prefixes ending in "/".
	Containers []string
}

func (ts TrailingSlash) Intercept(req *exchange.Request) (*exchange.Response, error) {
	if req.URL == nil || !req.IsSafe() {
		return nil, nil
	}
	for _, c := range ts.Containers {
		if strings.HasSuffix(c, "/") && req.URL.Path+"/" == c {
			u := *req.URL
			u.Path = c
			resp := exchange.NewResponse(http.StatusMovedPermanently)
			resp.Header.Set("Location", u.RequestURI())
			return resp, nil
		}
	}
	return nil, nil
}
