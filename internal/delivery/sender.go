package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	queuedomain "github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/security"
	webhookdomain "github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

const (
	maxResponseBody = 1 << 10

	HeaderWebhookID = "X-Webhook-ID"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// Result describes a completed HTTP exchange.
type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Sender performs one delivery attempt. ctx carries the per-delivery timeout.
type Sender interface {
	Send(ctx context.Context, w *webhookdomain.Webhook, e *queuedomain.Event, attempt int) (Result, error)
}

// HTTPSender posts signed payloads over HTTP.
type HTTPSender struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPSender returns a sender using client, or an otelhttp-instrumented client when nil.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPSender{client: client, now: time.Now}
}

func nullIfEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

// Send returns a FatalError for an unusable URL, a TransientError for transport failures and
// non-2xx responses, and nil on 2xx.
func (s *HTTPSender) Send(ctx context.Context, w *webhookdomain.Webhook, e *queuedomain.Event, attempt int) (Result, error) {
	if err := webhookdomain.ValidateURL(w.URL); err != nil {
		return Result{}, &FatalError{Reason: err.Error()}
	}
	body, err := json.Marshal(Payload{
		Schema:    e.Table.Schema,
		Table:     e.Table.Name,
		Type:      string(e.Type),
		Record:    nullIfEmpty(e.NewData),
		OldRecord: nullIfEmpty(e.OldData),
	})
	if err != nil {
		return Result{}, &FatalError{Reason: "encoding payload: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &FatalError{Reason: err.Error()}
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fluxbase-webhooks/1")
	req.Header.Set(HeaderWebhookID, w.ID)
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if w.Secret != "" {
		req.Header.Set(security.SignatureHeader, security.Sign(w.Secret, s.now(), body))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	res := Result{Duration: time.Since(start)}
	if err != nil {
		return res, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	res.StatusCode = resp.StatusCode
	res.Body = string(snippet)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &TransientError{StatusCode: resp.StatusCode}
	}
	return res, nil
}
