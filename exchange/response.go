package exchange

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Response is the outbound half of an exchange.
type Response struct {
	Status int
	// Reason overrides the standard reason phrase when set.
	Reason string
	Header http.Header
	// Body may be nil for an empty response.
	Body io.ReadCloser
}

// NewResponse builds a response without a body.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Text builds a plain-text response whose reason phrase is msg.
func Text(status int, msg string) *Response {
	resp := &Response{
		Status: status,
		Reason: msg,
		Header: make(http.Header),
	}
	resp.SetBody([]byte(msg + "\n"))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

// SetBody replaces the body with b and sets Content-Length.
func (r *Response) SetBody(b []byte) {
	if r.Body != nil {
		r.Body.Close()
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

// ReasonPhrase returns Reason, or the standard text for Status.
func (r *Response) ReasonPhrase() string {
	if r.Reason != "" {
		return r.Reason
	}
	return http.StatusText(r.Status)
}

// Drain discards the body of a response that will never be written.
func (r *Response) Drain() {
	if r == nil || r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
	r.Body.Close()
	r.Body = nil
}

// Interim reports a 1xx response.
func (r *Response) Interim() bool { return r.Status >= 100 && r.Status < 200 }
