package transport

import (
	"context"
	"fmt"
	"time"
)

// Format selects the wire representation a destination expects.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// RenderedMessage is content already translated for a destination format.
type RenderedMessage struct {
	Text           string
	Format         Format
	DisablePreview bool
}

// SendResult reports a successful send.
type SendResult struct {
	MessageID string
}

// Credentials identify one worker account. CreatedAt drives the admission
// controller's warm-up tier.
type Credentials struct {
	AccountID string
	Token     string
	CreatedAt time.Time
}

// Client is a live connection bound to one worker account.
type Client interface {
	AccountID() string
	// Authorized reports whether the connection is still usable. Pools use it
	// to decide between reuse and a fresh dial.
	Authorized() bool
	Send(ctx context.Context, target string, msg RenderedMessage) (SendResult, error)
	Close() error
}

// Dialer creates clients. Implementations own all platform specifics.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Client, error)
}

// Renderer translates opaque campaign content into a destination format.
// It is a pure function from the engine's point of view.
type Renderer interface {
	Render(content string, format Format) (RenderedMessage, error)
}

// PassthroughRenderer renders content verbatim. The real format-preserving
// translation lives outside the dispatch engine; this is the default used
// when no external renderer is wired in.
type PassthroughRenderer struct{}

func (PassthroughRenderer) Render(content string, format Format) (RenderedMessage, error) {
	return RenderedMessage{Text: content, Format: format, DisablePreview: true}, nil
}

// FloodWaitError is the platform's soft rate-limit response: it carries an
// explicit wait the account must observe before sending again.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// PeerFloodError is the platform's hard pre-ban warning for excessive
// messaging. Unlike a flood wait it carries no duration; the account must
// back off for an extended cooldown.
type PeerFloodError struct {
	Reason string
}

func (e *PeerFloodError) Error() string {
	if e.Reason == "" {
		return "peer flood"
	}
	return "peer flood: " + e.Reason
}
