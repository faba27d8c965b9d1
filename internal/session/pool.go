// Package session caches live transport clients per worker account so
// consecutive campaign runs on the same account reuse one authenticated
// connection instead of re-dialing.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"campaigner/internal/transport"
	logx "campaigner/pkg/logx"
)

// ErrUnknownAccount is returned when no credentials exist for the account.
var ErrUnknownAccount = errors.New("session: unknown account")

// CredentialSource resolves an account ID to its credentials. The config
// layer implements this.
type CredentialSource interface {
	Credentials(accountID string) (transport.Credentials, bool)
}

type Config struct {
	// IdleTimeout is how long an unused session survives before the reaper
	// closes it. 0 uses the default.
	IdleTimeout time.Duration

	// ReapInterval is how often the reaper scans. 0 uses the default.
	ReapInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	return c
}

// Pool hands out one client per account, dialing lazily and reaping idle
// sessions in the background.
type Pool struct {
	cfg    Config
	dialer transport.Dialer
	creds  CredentialSource
	log    logx.Logger

	mu      sync.Mutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopDone chan struct{}
	started  bool
}

type entry struct {
	client   transport.Client
	lastUsed time.Time
}

func New(cfg Config, dialer transport.Dialer, creds CredentialSource, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		creds:   creds,
		log:     log,
		entries: map[string]*entry{},
	}
}

// Start launches the idle reaper. Safe to call once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.stopDone = make(chan struct{})
	go p.reapLoop()
}

// Stop halts the reaper and closes every cached session.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.stopDone

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		p.closeEntry(id, e, "shutdown")
	}
}

// Acquire returns a live client for the account. With cacheable set, a still
// authorized cached session is reused and a fresh dial is cached for later.
// Without it, the dial bypasses the cache entirely and the caller owns Close.
func (p *Pool) Acquire(ctx context.Context, accountID string, cacheable bool) (transport.Client, error) {
	if cacheable {
		p.mu.Lock()
		if e, ok := p.entries[accountID]; ok {
			if e.client.Authorized() {
				e.lastUsed = time.Now()
				c := e.client
				p.mu.Unlock()
				return c, nil
			}
			p.closeEntry(accountID, e, "unauthorized")
		}
		p.mu.Unlock()
	}

	creds, ok := p.creds.Credentials(accountID)
	if !ok {
		return nil, ErrUnknownAccount
	}

	c, err := p.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !cacheable {
		p.log.Debug("fresh session dialed", logx.String("account", accountID))
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have dialed concurrently; keep the first one.
	if e, ok := p.entries[accountID]; ok && e.client.Authorized() {
		_ = c.Close()
		e.lastUsed = time.Now()
		return e.client, nil
	}
	p.entries[accountID] = &entry{client: c, lastUsed: time.Now()}
	p.log.Debug("session dialed", logx.String("account", accountID))
	return c, nil
}

// Invalidate drops the cached session for the account, closing it if present.
// Called when the transport reports the session unusable.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[accountID]; ok {
		p.closeEntry(accountID, e, "invalidated")
	}
}

// Size reports the number of cached sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) reapLoop() {
	defer close(p.stopDone)
	t := time.NewTicker(p.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.reap()
		}
	}
}

func (p *Pool) reap() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			p.closeEntry(id, e, "idle")
		}
	}
}

// closeEntry removes and closes a session. Close errors are logged, never
// propagated; a session being torn down has nothing left to fail.
func (p *Pool) closeEntry(id string, e *entry, why string) {
	delete(p.entries, id)
	if err := e.client.Close(); err != nil {
		p.log.Debug("session close failed",
			logx.String("account", id),
			logx.String("why", why),
			logx.Err(err))
		return
	}
	p.log.Debug("session closed", logx.String("account", id), logx.String("why", why))
}
