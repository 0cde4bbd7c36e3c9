package session

import (
	"context"
	"log"
	"os"
	"time"
)

// Pinger probes the remote authority.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorConfig configures a connectivity Monitor.
type MonitorConfig struct {
	// Interval between probes (default: 15s)
	Interval time.Duration

	// Timeout for a single probe (default: 5s)
	Timeout time.Duration

	// Logger (default: stderr with [monitor] prefix)
	Logger *log.Logger
}

// Monitor feeds connectivity events into a session by pinging the remote on
// a ticker.
type Monitor struct {
	session  *Context
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
}

// NewMonitor creates a monitor for sc.
func NewMonitor(sc *Context, p Pinger, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}
	return &Monitor{
		session:  sc,
		pinger:   p,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Check probes once and records the result. Returns the new online flag.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	online := err == nil
	if !online && m.session.IsOnline() {
		m.logger.Printf("Remote unreachable: %v", err)
	}
	m.session.SetOnline(online)
	return online
}

// Run checks immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
