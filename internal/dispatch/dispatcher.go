// Package dispatch sends decided notifications through the email/SMS
// provider and records every attempt in the notification log. The
// provider is a black box behind one HTTP POST; its error text is
// preserved verbatim so the log doubles as the audit trail.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/ledger"
)

// ErrProviderDispatchFailed marks a per-recipient provider failure. It
// is logged and skipped, never allowed to abort the rest of a batch.
var ErrProviderDispatchFailed = errors.New("provider dispatch failed")

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LogStore is the slice of the ledger the dispatcher writes to.
type LogStore interface {
	AppendNotificationLog(ctx context.Context, entry *ledger.NotificationLog) error
}

// Message is one outbound notification.
type Message struct {
	Recipient     string
	RecipientName string
	Subject       string
	Body          string
}

type providerPayload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type Dispatcher struct {
	providerURL string
	httpClient  HTTPClient
	store       LogStore
	clock       chain.Clock
	logger      *slog.Logger
}

func NewDispatcher(providerURL string, store LogStore, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithClient(providerURL, store, &http.Client{Timeout: 10 * time.Second}, chain.SystemClock(), logger)
}

func NewDispatcherWithClient(providerURL string, store LogStore, client HTTPClient, clock chain.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = chain.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		providerURL: providerURL,
		httpClient:  client,
		store:       store,
		clock:       clock,
		logger:      logger,
	}
}

// Send delivers one message and writes exactly one notification log
// entry for the attempt, success or failure.
func (d *Dispatcher) Send(ctx context.Context, electionID uuid.UUID, kind ledger.NotificationKind, msg Message) error {
	sendErr := d.post(ctx, msg)

	entry := &ledger.NotificationLog{
		ID:            uuid.New(),
		ElectionID:    electionID,
		Recipient:     msg.Recipient,
		RecipientName: msg.RecipientName,
		Kind:          kind,
		Status:        ledger.NotificationSent,
		SentAt:        d.clock.Now(),
	}
	if sendErr != nil {
		entry.Status = ledger.NotificationFailed
		entry.ErrorMessage = sendErr.Error()
	}

	if err := d.store.AppendNotificationLog(ctx, entry); err != nil {
		d.logger.Error("failed to append notification log",
			"recipient", msg.Recipient, "kind", string(kind), "error", err)
	}

	if sendErr != nil {
		return fmt.Errorf("%w: %v", ErrProviderDispatchFailed, sendErr)
	}
	return nil
}

// SendBatch delivers to every recipient, isolating failures: one bad
// recipient never stops the rest of the batch. Returns sent and failed
// counts.
func (d *Dispatcher) SendBatch(ctx context.Context, electionID uuid.UUID, kind ledger.NotificationKind, msgs []Message) (int, int) {
	sent, failed := 0, 0
	for _, msg := range msgs {
		if err := d.Send(ctx, electionID, kind, msg); err != nil {
			failed++
			d.logger.Warn("notification dispatch failed",
				"recipient", msg.Recipient, "kind", string(kind), "error", err)
			continue
		}
		sent++
	}
	return sent, failed
}

func (d *Dispatcher) post(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(providerPayload{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal provider payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.providerURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
