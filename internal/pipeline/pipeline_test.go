package pipeline

import (
	"errors"
	"net/http"
	"testing"
)

// recordingMiddleware appends its name to a shared trace on entry and exit
// and can optionally abort or stamp a header on the way out.
type recordingMiddleware struct {
	name       string
	priority   int
	trace      *[]string
	abort      int    // abort with this status when > 0
	exitHeader string // header set on the response during unwind
}

func (m *recordingMiddleware) Name() string  { return m.name }
func (m *recordingMiddleware) Priority() int { return m.priority }

func (m *recordingMiddleware) Process(ctx *Context, next Next) (*Response, error) {
	*m.trace = append(*m.trace, m.name+":enter")
	if m.abort > 0 {
		*m.trace = append(*m.trace, m.name+":abort")
		return ctx.Abort(m.abort, "aborted by "+m.name), nil
	}
	resp, err := next(ctx)
	*m.trace = append(*m.trace, m.name+":exit")
	if resp != nil && m.exitHeader != "" {
		resp.SetHeader(m.exitHeader, m.name)
	}
	return resp, err
}

func okHandler(trace *[]string) Next {
	return func(*Context) (*Response, error) {
		if trace != nil {
			*trace = append(*trace, "handler")
		}
		return &Response{Status: http.StatusOK, Body: []byte("ok")}, nil
	}
}

func newCtx(method, path string) *Context {
	return NewContext(&Request{Method: method, Path: path})
}

func TestPipeline_OrdersByPriorityDescending(t *testing.T) {
	var trace []string
	p := New()
	p.Use(&recordingMiddleware{name: "low", priority: 10, trace: &trace})
	p.Use(&recordingMiddleware{name: "high", priority: 90, trace: &trace})
	p.Use(&recordingMiddleware{name: "mid", priority: 50, trace: &trace})

	resp, err := p.Execute(newCtx("GET", "/x"), okHandler(&trace))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}

	want := []string{
		"high:enter", "mid:enter", "low:enter",
		"handler",
		"low:exit", "mid:exit", "high:exit",
	}
	assertTrace(t, trace, want)
}

func TestPipeline_TiesResolveByRegistrationOrder(t *testing.T) {
	var trace []string
	p := New()
	p.Use(&recordingMiddleware{name: "first", priority: 50, trace: &trace})
	p.Use(&recordingMiddleware{name: "second", priority: 50, trace: &trace})

	if _, err := p.Execute(newCtx("GET", "/x"), okHandler(&trace)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"first:enter", "second:enter", "handler", "second:exit", "first:exit"}
	assertTrace(t, trace, want)
}

func TestPipeline_AbortShortCircuits(t *testing.T) {
	var trace []string
	p := New()
	outer := &recordingMiddleware{name: "outer", priority: 100, trace: &trace, exitHeader: "X-RID"}
	p.Use(outer)
	p.Use(&recordingMiddleware{name: "blocker", priority: 50, trace: &trace, abort: http.StatusForbidden})
	p.Use(&recordingMiddleware{name: "inner", priority: 10, trace: &trace})

	ctx := newCtx("GET", "/x")
	resp, err := p.Execute(ctx, okHandler(&trace))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Status)
	}
	if !ctx.Aborted() {
		t.Fatal("context should be marked aborted")
	}

	// The handler and everything below the abort never ran; everything
	// above it observed the short-circuit response on the way out.
	want := []string{"outer:enter", "blocker:enter", "blocker:abort", "outer:exit"}
	assertTrace(t, trace, want)

	if resp.Headers["X-RID"] != "outer" {
		t.Fatalf("outer middleware did not stamp the aborted response: %v", resp.Headers)
	}
}

func TestPipeline_EmptyChainRunsHandler(t *testing.T) {
	var trace []string
	resp, err := New().Execute(newCtx("GET", "/x"), okHandler(&trace))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	assertTrace(t, trace, []string{"handler"})
}

func TestPipeline_Remove(t *testing.T) {
	var trace []string
	p := New()
	p.Use(&recordingMiddleware{name: "keep", priority: 50, trace: &trace})
	p.Use(&recordingMiddleware{name: "drop", priority: 40, trace: &trace})

	if !p.Remove("drop") {
		t.Fatal("Remove should report success")
	}
	if p.Remove("drop") {
		t.Fatal("second Remove should report failure")
	}

	if _, err := p.Execute(newCtx("GET", "/x"), okHandler(&trace)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertTrace(t, trace, []string{"keep:enter", "handler", "keep:exit"})
}

func TestPipeline_HandlerErrorPropagates(t *testing.T) {
	var trace []string
	p := New()
	p.Use(&recordingMiddleware{name: "mw", priority: 50, trace: &trace})

	wantErr := errors.New("handler blew up")
	_, err := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	// The middleware still observed the unwind.
	assertTrace(t, trace, []string{"mw:enter", "mw:exit"})
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}
