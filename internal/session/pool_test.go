package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campaigner/internal/transport"
	logx "campaigner/pkg/logx"
)

type fakeClient struct {
	id   string
	mu   sync.Mutex
	auth bool
}

func (c *fakeClient) AccountID() string { return c.id }

func (c *fakeClient) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *fakeClient) revoke() {
	c.mu.Lock()
	c.auth = false
	c.mu.Unlock()
}

func (c *fakeClient) Send(context.Context, string, transport.RenderedMessage) (transport.SendResult, error) {
	return transport.SendResult{}, nil
}

func (c *fakeClient) Close() error {
	c.revoke()
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, creds transport.Credentials) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	return &fakeClient{id: creds.AccountID, auth: true}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type staticCreds map[string]transport.Credentials

func (s staticCreds) Credentials(id string) (transport.Credentials, bool) {
	c, ok := s[id]
	return c, ok
}

func testCreds() staticCreds {
	return staticCreds{"a": {AccountID: "a", Token: "t"}}
}

func TestAcquireReusesSession(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{}, d, testCreds(), logx.Nop())

	c1, err := p.Acquire(context.Background(), "a", true)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Acquire(context.Background(), "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expected cached client on second acquire")
	}
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}
}

func TestAcquireFreshBypassesCache(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{}, d, testCreds(), logx.Nop())

	cached, err := p.Acquire(context.Background(), "a", true)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := p.Acquire(context.Background(), "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if cached == fresh {
		t.Fatal("fresh acquire returned the cached client")
	}
	if p.Size() != 1 {
		t.Fatalf("size = %d, fresh client must not be cached", p.Size())
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}
}

func TestAcquireRedialsUnauthorized(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{}, d, testCreds(), logx.Nop())

	c1, _ := p.Acquire(context.Background(), "a", true)
	c1.(*fakeClient).revoke()

	c2, err := p.Acquire(context.Background(), "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Fatal("expected fresh client after revocation")
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}
}

func TestAcquireUnknownAccount(t *testing.T) {
	t.Parallel()
	p := New(Config{}, &fakeDialer{}, testCreds(), logx.Nop())
	if _, err := p.Acquire(context.Background(), "nope", true); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
}

func TestInvalidateDropsSession(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{}, d, testCreds(), logx.Nop())

	_, _ = p.Acquire(context.Background(), "a", true)
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}
	p.Invalidate("a")
	if p.Size() != 0 {
		t.Fatalf("size = %d after invalidate, want 0", p.Size())
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{IdleTimeout: 20 * time.Millisecond, ReapInterval: 10 * time.Millisecond}, d, testCreds(), logx.Nop())
	p.Start()
	defer p.Stop()

	_, _ = p.Acquire(context.Background(), "a", true)

	deadline := time.After(time.Second)
	for p.Size() != 0 {
		select {
		case <-deadline:
			t.Fatal("idle session never reaped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopClosesSessions(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := New(Config{}, d, testCreds(), logx.Nop())
	p.Start()

	c, _ := p.Acquire(context.Background(), "a", true)
	p.Stop()

	if c.Authorized() {
		t.Fatal("expected session closed on stop")
	}
	if p.Size() != 0 {
		t.Fatalf("size = %d after stop", p.Size())
	}
}
