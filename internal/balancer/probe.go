package balancer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ProbeOptions tunes the background health prober.
type ProbeOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Prober periodically issues GET requests against each provider's health
// URL and feeds the outcomes into the balancer's health records, so a
// provider can recover (or fail) without carrying live traffic.
type Prober struct {
	balancer *Balancer
	client   *fasthttp.Client
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber builds a prober for the given balancer.
func NewProber(b *Balancer, opts ProbeOptions) *Prober {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Prober{
		balancer: b,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Start launches the probe loop. It returns immediately; probing continues
// until Stop is called or ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the probe loop and waits for the in-flight sweep to finish.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep probes every provider that has a health URL. Providers without one
// are tracked through live traffic only.
func (p *Prober) sweep() {
	p.balancer.mu.Lock()
	targets := make([]struct{ name, url string }, 0, len(p.balancer.members))
	for _, m := range p.balancer.members {
		if m.healthURL != "" {
			targets = append(targets, struct{ name, url string }{m.name, m.healthURL})
		}
	}
	p.balancer.mu.Unlock()

	for _, t := range targets {
		start := time.Now()
		ok := p.probeOne(t.url)
		elapsed := time.Since(start)

		// Probes flow through the same streak counters as real traffic,
		// so OnRequestStart keeps the connection accounting balanced.
		p.balancer.OnRequestStart(t.name)
		if ok {
			p.balancer.OnRequestSuccess(t.name, elapsed)
		} else {
			p.balancer.OnRequestFailure(t.name, nil)
			p.log.Warn("health probe failed",
				slog.String("provider", t.name),
				slog.String("url", t.url),
				slog.Duration("elapsed", elapsed))
		}
	}
}

func (p *Prober) probeOne(url string) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
		return false
	}
	code := resp.StatusCode()
	return code >= 200 && code < 300
}
