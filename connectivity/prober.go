package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/nous/horosafe"
)

// ProberOptions configures a Prober.
type ProberOptions struct {
	// URL is the remote health endpoint. Required.
	URL string
	// Schedule is a cron expression or descriptor. Default: "@every 15s".
	Schedule string
	// Timeout bounds a single probe. Default: 5s.
	Timeout time.Duration
	Client  *http.Client
	Breaker *Breaker
	Logger  *slog.Logger
}

func (o *ProberOptions) defaults() {
	if o.Schedule == "" {
		o.Schedule = "@every 15s"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Breaker == nil {
		o.Breaker = NewBreaker()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Prober periodically checks the remote health endpoint and feeds the
// smoothed verdict into a Monitor.
type Prober struct {
	mon  *Monitor
	opts ProberOptions
	url  string
	log  *slog.Logger
	cron *cron.Cron
}

// NewProber validates the health URL and schedule.
func NewProber(mon *Monitor, opts ProberOptions) (*Prober, error) {
	opts.defaults()
	u, err := horosafe.ValidateBaseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connectivity: health url: %w", err)
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, &ErrBadSchedule{Schedule: opts.Schedule, Cause: err}
	}
	return &Prober{mon: mon, opts: opts, url: u.String(), log: opts.Logger}, nil
}

// Probe performs one health check.
func (p *Prober) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return &ProbeError{URL: p.url, Cause: err}
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return &ProbeError{URL: p.url, Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProbeError{URL: p.url, Status: resp.StatusCode}
	}
	return nil
}

// Tick probes once, records the result in the breaker and pushes the
// breaker's verdict to the monitor. Because the verdict is pushed on every
// tick, a monitor marked unreachable by a failed write recovers on the next
// successful probe.
func (p *Prober) Tick(ctx context.Context) bool {
	err := p.Probe(ctx)
	if err != nil {
		p.log.DebugContext(ctx, "connectivity: probe failed", "url", p.url, "error", err)
	}
	reachable := p.opts.Breaker.Record(err == nil)
	p.mon.Set(ctx, reachable)
	return reachable
}

// Start probes once immediately, then on the schedule until Stop.
func (p *Prober) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.opts.Schedule, func() { p.Tick(ctx) }); err != nil {
		return &ErrBadSchedule{Schedule: p.opts.Schedule, Cause: err}
	}
	p.cron = c
	p.Tick(ctx)
	c.Start()
	p.log.InfoContext(ctx, "connectivity: prober started", "url", p.url, "schedule", p.opts.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running probe to finish.
func (p *Prober) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.log.Info("connectivity: prober stopped")
}
