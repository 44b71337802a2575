// Package notification sends short operational messages about imports and
// syncs to a Power Automate flow and to any shoutrrr-supported service.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

// Status is the outcome a message reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Message is one operational notification.
type Message struct {
	Status Status
	Stage  string
	Source string
	Text   string
	Time   time.Time
}

// Render formats the message for chat-style targets.
func (m Message) Render() string {
	var sb strings.Builder
	if m.Status == StatusSuccess {
		sb.WriteString("[OK] ")
	} else {
		sb.WriteString("[FAILED] ")
	}
	if m.Source != "" {
		fmt.Fprintf(&sb, "%s: ", m.Source)
	}
	sb.WriteString(m.Text)
	if !m.Time.IsZero() {
		fmt.Fprintf(&sb, "\nat %s", m.Time.Format(time.DateTime))
	}
	if m.Stage != "" {
		fmt.Fprintf(&sb, "\nstage: %s", m.Stage)
	}
	return sb.String()
}

// Notifier delivers a message synchronously.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// ---------------------------------------------------------------------------
// Power Automate webhook
// ---------------------------------------------------------------------------

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// Webhook posts {"status","stage","message"} JSON to a Power Automate flow URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type webhookPayload struct {
	Status  Status `json:"status"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (w *Webhook) Notify(ctx context.Context, m Message) error {
	payload, err := json.Marshal(webhookPayload{Status: m.Status, Stage: m.Stage, Message: m.Render()})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// shoutrrr
// ---------------------------------------------------------------------------

// Shoutrrr sends through one router built from service URLs such as
// "teams://..." or "slack://...".
type Shoutrrr struct {
	sender *router.ServiceRouter
}

func NewShoutrrr(urls []string, timeout time.Duration) (*Shoutrrr, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &Shoutrrr{sender: sender}, nil
}

func (s *Shoutrrr) Notify(_ context.Context, m Message) error {
	params := stypes.Params{}
	params.SetTitle(fmt.Sprintf("%s %s", m.Source, m.Status))
	var errs []error
	for _, err := range s.sender.Send(m.Render(), &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Fan-out and dispatch
// ---------------------------------------------------------------------------

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher sends messages in the background. Failures are logged and never
// reach the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher wraps n. A nil n yields a dispatcher that drops every message.
func NewDispatcher(n Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout, logger: logger, now: time.Now}
}

// Send queues m for delivery and returns immediately.
func (d *Dispatcher) Send(m Message) {
	if d == nil || d.notifier == nil {
		return
	}
	if m.Time.IsZero() {
		m.Time = d.now()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("stage", m.Stage).Msg("notification panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, m); err != nil {
			d.logger.Warn().Err(err).Str("stage", m.Stage).Str("status", string(m.Status)).Msg("notification failed")
			return
		}
		d.logger.Debug().Str("stage", m.Stage).Str("status", string(m.Status)).Msg("notification sent")
	}()
}

// Wait blocks until every queued message has been attempted.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// FromConfig builds the notifier chain for a Power Automate URL and a list of
// shoutrrr URLs. It returns nil when neither is configured.
func FromConfig(powerAutomateURL string, shoutrrrURLs []string, timeout time.Duration) (Notifier, error) {
	var chain Multi
	if powerAutomateURL != "" {
		chain = append(chain, NewWebhook(powerAutomateURL, WithHTTPClient(&http.Client{Timeout: timeout})))
	}
	if len(shoutrrrURLs) > 0 {
		s, err := NewShoutrrr(shoutrrrURLs, timeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, s)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
