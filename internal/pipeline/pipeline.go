// Package pipeline runs requests through an ordered chain of middleware.
//
// Middleware nests by priority (higher runs first, outermost) with ties
// resolved by registration order, so execution is deterministic for a
// given middleware set. Any middleware can abort the chain by producing a
// response without calling next; middleware above it still observes the
// short-circuit response on the way back out.
package pipeline

import (
	"context"
	"sort"
	"sync"
)

// Request describes the call flowing through the chain.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Params  map[string]string
	Body    []byte
}

// Principal is the authenticated caller identity.
type Principal struct {
	ID          string
	Permissions []string
}

// HasPermission reports whether the principal carries the permission.
func (p *Principal) HasPermission(perm string) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Response is what the chain ultimately produces.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// SetHeader sets a response header, allocating the map on first use.
func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// Context carries one request through the chain. It lives for a single
// Execute call on a single goroutine, so no locking is needed.
type Context struct {
	Request   *Request
	Principal *Principal

	// Data is scratch space middleware uses to pass values downstream
	// (request id, rate-limit budget, auth details).
	Data map[string]any

	ctx     context.Context
	aborted bool
}

// NewContext builds a context for the request.
func NewContext(req *Request) *Context {
	return &Context{
		Request: req,
		Data:    make(map[string]any),
	}
}

// WithContext attaches the request's cancellation context so middleware
// doing I/O (rate limiting, auth lookups) inherits deadlines and
// cancellation from the caller.
func (c *Context) WithContext(ctx context.Context) *Context {
	c.ctx = ctx
	return c
}

// Context returns the attached request context, or context.Background when
// none was attached.
func (c *Context) Context() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// Abort marks the chain short-circuited and returns the terminal response.
// The calling middleware returns this response instead of calling next.
func (c *Context) Abort(status int, message string) *Response {
	c.aborted = true
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    []byte(message),
	}
}

// Aborted reports whether some middleware short-circuited the chain.
func (c *Context) Aborted() bool { return c.aborted }

// Next invokes the remainder of the chain.
type Next func(*Context) (*Response, error)

// Middleware is one processor in the chain.
type Middleware interface {
	// Name identifies the middleware in logs.
	Name() string

	// Priority orders the chain; higher runs first and nests outermost.
	Priority() int

	// Process handles the request. Implementations call next to continue
	// the chain, or return a response from ctx.Abort to short-circuit it.
	Process(ctx *Context, next Next) (*Response, error)
}

// Pipeline holds the sorted middleware chain.
type Pipeline struct {
	mu  sync.RWMutex
	mws []Middleware
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use registers middleware and re-sorts the chain. The stable sort keeps
// equal priorities in registration order.
func (p *Pipeline) Use(m Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mws = append(p.mws, m)
	sort.SliceStable(p.mws, func(i, j int) bool {
		return p.mws[i].Priority() > p.mws[j].Priority()
	})
}

// Remove drops the named middleware. It reports whether one was removed.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range p.mws {
		if m.Name() == name {
			p.mws = append(p.mws[:i], p.mws[i+1:]...)
			return true
		}
	}
	return false
}

// Names returns the chain in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.mws))
	for i, m := range p.mws {
		names[i] = m.Name()
	}
	return names
}

// Execute runs ctx through the chain and into handler. The chain snapshot
// is taken once, so concurrent Use calls do not affect an in-flight
// request.
func (p *Pipeline) Execute(ctx *Context, handler Next) (*Response, error) {
	p.mu.RLock()
	chain := make([]Middleware, len(p.mws))
	copy(chain, p.mws)
	p.mu.RUnlock()

	var run func(int) Next
	run = func(i int) Next {
		if i == len(chain) {
			return handler
		}
		return func(c *Context) (*Response, error) {
			return chain[i].Process(c, run(i+1))
		}
	}
	return run(0)(ctx)
}
