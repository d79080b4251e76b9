package exchange

import (
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Request is the inbound half of an exchange. Filters may replace it
// wholesale; the replacement usually shares or wraps the original body.
type Request struct {
	Method        string
	URL           *url.URL
	Proto         string
	Host          string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	RemoteAddr    string
	ReceivedOn    time.Time

	close *closer
}

type closer struct {
	once sync.Once
	err  error
}

// closerMu guards lazy closer allocation for requests built as literals.
var closerMu sync.Mutex

func (r *Request) closeState() *closer {
	closerMu.Lock()
	defer closerMu.Unlock()
	if r.close == nil {
		r.close = &closer{}
	}
	return r.close
}

// FromHTTP adopts r. The body is owned by the returned Request.
func FromHTTP(r *http.Request) *Request {
	body := r.Body
	if body == nil {
		body = http.NoBody
	}
	return &Request{
		Method:        r.Method,
		URL:           r.URL,
		Proto:         r.Proto,
		Host:          r.Host,
		Header:        r.Header,
		Body:          body,
		ContentLength: r.ContentLength,
		RemoteAddr:    r.RemoteAddr,
		ReceivedOn:    time.Now(),
		close:         &closer{},
	}
}

// NewRequest builds a request without a network peer, as used by
// embedded callers.
func NewRequest(method, target string, body io.Reader) (*Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	rc, ok := body.(io.ReadCloser)
	switch {
	case body == nil:
		rc = http.NoBody
	case !ok:
		rc = io.NopCloser(body)
	}
	return &Request{
		Method:        method,
		URL:           u,
		Proto:         "HTTP/1.1",
		Host:          u.Host,
		Header:        make(http.Header),
		Body:          rc,
		ContentLength: -1,
		ReceivedOn:    time.Now(),
		close:         &closer{},
	}, nil
}

// Clone returns a copy with its own header and URL. The body is shared,
// and so is the close state: closing either closes both.
func (r *Request) Clone() *Request {
	cl := r.closeState()
	c := *r
	c.close = cl
	c.Header = r.Header.Clone()
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	return &c
}

// IsSafe reports whether the method never mutates state.
func (r *Request) IsSafe() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, "PROPFIND":
		return true
	}
	return false
}

// IsStorable reports whether a response to r may be cached.
func (r *Request) IsStorable() bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return !httpguts.HeaderValuesContainsToken(r.Header["Cache-Control"], "no-store")
}

// ExpectsContinue reports an "Expect: 100-continue" request.
func (r *Request) ExpectsContinue() bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Expect"], "100-continue")
}

// Close releases the body. It is safe to call more than once.
func (r *Request) Close() error {
	cl := r.closeState()
	cl.once.Do(func() {
		if r.Body != nil {
			cl.err = r.Body.Close()
		}
	})
	return cl.err
}

// String is used in pool dumps and logs.
func (r *Request) String() string {
	if r.URL == nil {
		return r.Method
	}
	return r.Method + " " + r.URL.RequestURI()
}
