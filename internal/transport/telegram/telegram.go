package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaigner/internal/transport"
	logx "campaigner/pkg/logx"
)

type Config struct {
	// RequestTimeout bounds individual API calls. A whole campaign run carries
	// no timeout; only network operations do.
	RequestTimeout time.Duration

	// Offline skips the token-validation round-trip on dial (tests).
	Offline bool
}

// Dialer creates send-only Telegram clients for worker accounts. Each worker
// account is one bot token; no update poller is attached.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Client, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return nil, errors.New("telegram: empty token for account " + creds.AccountID)
	}
	_ = ctx // telebot validates the token with its own client timeout

	b, err := tele.NewBot(tele.Settings{
		Token:   creds.Token,
		Offline: d.cfg.Offline,
		Client:  &http.Client{Timeout: d.cfg.RequestTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &client{accountID: creds.AccountID, bot: b, log: d.log.With(logx.String("account", creds.AccountID))}, nil
}

type client struct {
	accountID string
	bot       *tele.Bot
	log       logx.Logger
	closed    atomic.Bool
}

func (c *client) AccountID() string { return c.accountID }

func (c *client) Authorized() bool { return !c.closed.Load() }

func (c *client) Send(ctx context.Context, target string, msg transport.RenderedMessage) (transport.SendResult, error) {
	if c.closed.Load() {
		return transport.SendResult{}, errors.New("telegram: client closed")
	}
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return transport.SendResult{}, errors.New("telegram: invalid destination " + target)
	}

	opts := &tele.SendOptions{
		ParseMode:             parseMode(msg.Format),
		DisableWebPagePreview: msg.DisablePreview,
	}
	m, err := c.bot.Send(tele.ChatID(chatID), msg.Text, opts)
	if err != nil {
		return transport.SendResult{}, mapSendError(err)
	}
	return transport.SendResult{MessageID: strconv.Itoa(m.ID)}, nil
}

func (c *client) Close() error {
	c.closed.Store(true)
	return nil
}

func parseMode(f transport.Format) string {
	switch f {
	case transport.FormatMarkdown:
		return tele.ModeMarkdown
	case transport.FormatHTML:
		return tele.ModeHTML
	default:
		return ""
	}
}

// mapSendError translates platform errors into the engine's typed signals:
// retry-after responses become FloodWaitError, PEER_FLOOD becomes
// PeerFloodError, everything else passes through unchanged.
func mapSendError(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodWaitError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) {
		return &transport.FloodWaitError{RetryAfter: time.Duration(fep.RetryAfter) * time.Second}
	}
	if strings.Contains(strings.ToUpper(err.Error()), "PEER_FLOOD") {
		return &transport.PeerFloodError{Reason: err.Error()}
	}
	return err
}
