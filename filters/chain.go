// Package filters holds the request and response filters run by the
// pipeline stages: interception before any transaction, request
// rewriting during triage and response rewriting after handling.
package filters

import (
	"fmt"

	"github.com/azargarov/ldgate/exchange"
)

// Interceptor answers a request before it reaches a transaction.
// A nil response lets the request through.
type Interceptor interface {
	Intercept(req *exchange.Request) (*exchange.Response, error)
}

// RequestFilter returns the request to continue with.
type RequestFilter interface {
	Filter(req *exchange.Request) (*exchange.Request, error)
}

// ResponseFilter returns the response to send.
type ResponseFilter interface {
	FilterResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error)
}

// Chain runs its members in order. A member may implement any of the
// three filter interfaces.
type Chain struct {
	interceptors []Interceptor
	requests     []RequestFilter
	responses    []ResponseFilter
}

// NewChain sorts fs by the interfaces they implement. Order is kept
// within each kind.
func NewChain(fs ...any) (*Chain, error) {
	c := &Chain{}
	for i, f := range fs {
		matched := false
		if v, ok := f.(Interceptor); ok {
			c.interceptors = append(c.interceptors, v)
			matched = true
		}
		if v, ok := f.(RequestFilter); ok {
			c.requests = append(c.requests, v)
			matched = true
		}
		if v, ok := f.(ResponseFilter); ok {
			c.responses = append(c.responses, v)
			matched = true
		}
		if !matched {
			return nil, fmt.Errorf("filters: member %d (%T) implements no filter interface", i, f)
		}
	}
	return c, nil
}

// Intercept returns the first interceptor response.
func (c *Chain) Intercept(req *exchange.Request) (*exchange.Response, error) {
	for _, f := range c.interceptors {
		resp, err := f.Intercept(req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

func (c *Chain) Filter(req *exchange.Request) (*exchange.Request, error) {
	for _, f := range c.requests {
		next, err := f.Filter(req)
		if err != nil {
			return nil, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

func (c *Chain) FilterResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	for _, f := range c.responses {
		next, err := f.FilterResponse(req, resp)
		if err != nil {
			return nil, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}
