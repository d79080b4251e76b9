// Package httperr maps errors raised while handling an exchange to HTTP
// statuses and renders error responses.
package httperr

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"github.com/azargarov/ldgate/exchange"
)

// Error carries an explicit status.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.message(), e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.message())
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) message() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}

// New returns an error with status and message.
func New(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

// Wrap attaches status to err.
func Wrap(status int, err error) *Error {
	return &Error{Status: status, Err: err}
}

var (
	mu    sync.RWMutex
	table []mapping
)

type mapping struct {
	target error
	status int
}

// Register maps every error matching target (errors.Is) to status.
// Later registrations take precedence.
func Register(target error, status int) {
	mu.Lock()
	defer mu.Unlock()
	table = append(table, mapping{target: target, status: status})
}

func init() {
	Register(context.DeadlineExceeded, http.StatusGatewayTimeout)
	Register(context.Canceled, http.StatusServiceUnavailable)
}

// StatusOf returns the status for err: an *Error's own status, then the
// registered table, then 500.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var he *Error
	if errors.As(err, &he) && he.Status != 0 {
		return he.Status
	}
	mu.RLock()
	defer mu.RUnlock()
	for i := len(table) - 1; i >= 0; i-- {
		if errors.Is(err, table[i].target) {
			return table[i].status
		}
	}
	return http.StatusInternalServerError
}

// MessageOf returns the short client-facing message for err.
func MessageOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.message()
	}
	return http.StatusText(StatusOf(err))
}

// Renderer builds the response for a failed exchange.
type Renderer interface {
	Render(req *exchange.Request, status int, msg string) (*exchange.Response, error)
}

// Page renders small HTML error pages for clients that accept HTML and
// plain text otherwise.
type Page struct {
	tmpl *template.Template
}

const pageTemplate = `<!DOCTYPE html>
<html><head><title>{{.Status}} {{.Reason}}</title></head>
<body><h1>{{.Status}} {{.Reason}}</h1><p>{{.Message}}</p></body></html>
`

func NewPage() *Page {
	return &Page{tmpl: template.Must(template.New("error").Parse(pageTemplate))}
}

func (p *Page) Render(req *exchange.Request, status int, msg string) (*exchange.Response, error) {
	if req == nil || !acceptsHTML(req.Header.Get("Accept")) {
		return exchange.Text(status, msg), nil
	}
	var b strings.Builder
	err := p.tmpl.Execute(&b, struct {
		Status  int
		Reason  string
		Message string
	}{status, http.StatusText(status), msg})
	if err != nil {
		return nil, fmt.Errorf("render error page: %w", err)
	}
	resp := exchange.NewResponse(status)
	resp.Reason = msg
	resp.SetBody([]byte(b.String()))
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return resp, nil
}

func acceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "application/xhtml+xml")
}

// Response renders err with r, falling back to a bare 500 with no body
// when rendering fails or panics.
func Response(r Renderer, req *exchange.Request, err error) (resp *exchange.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = Bare()
		}
	}()
	status := StatusOf(err)
	out, rerr := r.Render(req, status, MessageOf(err))
	if rerr != nil || out == nil {
		return Bare()
	}
	return out
}

// Bare is the last-resort 500 with an empty body.
func Bare() *exchange.Response {
	return exchange.NewResponse(http.StatusInternalServerError)
}
