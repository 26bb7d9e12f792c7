package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/ledger"
)

type mockHTTPClient struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []providerPayload

	// respond decides the outcome per payload; nil means 200 for all.
	respond func(p providerPayload) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	var p providerPayload
	_ = json.Unmarshal(raw, &p)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, p)
	m.mu.Unlock()

	if m.respond != nil {
		return m.respond(p)
	}
	return okResponse(), nil
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(`{"status":"queued"}`)),
	}
}

func errorResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

type memLogStore struct {
	mu      sync.Mutex
	entries []*ledger.NotificationLog
}

func (m *memLogStore) AppendNotificationLog(_ context.Context, entry *ledger.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func newTestDispatcher(client *mockHTTPClient) (*Dispatcher, *memLogStore) {
	store := &memLogStore{}
	d := NewDispatcherWithClient("https://provider.example.com/send", store, client, chain.SystemClock(), nil)
	return d, store
}

func TestSendSuccessWritesLogEntry(t *testing.T) {
	client := &mockHTTPClient{}
	d, store := newTestDispatcher(client)
	electionID := uuid.New()

	msg := Message{
		Recipient:     "alice@example.com",
		RecipientName: "Alice",
		Subject:       "Voting closes soon",
		Body:          "Don't forget to vote.",
	}
	if err := d.Send(context.Background(), electionID, ledger.NotifyDeadline24h, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Status != ledger.NotificationSent {
		t.Errorf("expected sent status, got %s", entry.Status)
	}
	if entry.ElectionID != electionID || entry.Recipient != "alice@example.com" {
		t.Errorf("log entry misattributed: %+v", entry)
	}
	if entry.Kind != ledger.NotifyDeadline24h {
		t.Errorf("expected deadline kind, got %s", entry.Kind)
	}
	if entry.ErrorMessage != "" {
		t.Errorf("success entry should carry no error, got %q", entry.ErrorMessage)
	}
}

func TestSendProviderErrorWritesFailedEntry(t *testing.T) {
	client := &mockHTTPClient{
		respond: func(providerPayload) (*http.Response, error) {
			return errorResponse(http.StatusTooManyRequests, "quota exceeded"), nil
		},
	}
	d, store := newTestDispatcher(client)

	err := d.Send(context.Background(), uuid.New(), ledger.NotifyDeadline2h, Message{Recipient: "bob@example.com"})
	if !errors.Is(err, ErrProviderDispatchFailed) {
		t.Fatalf("expected ErrProviderDispatchFailed, got %v", err)
	}

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 log entry even on failure, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Status != ledger.NotificationFailed {
		t.Errorf("expected failed status, got %s", entry.Status)
	}
	if !strings.Contains(entry.ErrorMessage, "quota exceeded") {
		t.Errorf("provider error text must be preserved, got %q", entry.ErrorMessage)
	}
	if !strings.Contains(entry.ErrorMessage, "429") {
		t.Errorf("expected status code in error text, got %q", entry.ErrorMessage)
	}
}

func TestSendNetworkErrorWritesFailedEntry(t *testing.T) {
	client := &mockHTTPClient{
		respond: func(providerPayload) (*http.Response, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	d, store := newTestDispatcher(client)

	err := d.Send(context.Background(), uuid.New(), ledger.NotifyLowTurnout, Message{Recipient: "bob@example.com"})
	if !errors.Is(err, ErrProviderDispatchFailed) {
		t.Fatalf("expected ErrProviderDispatchFailed, got %v", err)
	}
	if len(store.entries) != 1 || store.entries[0].Status != ledger.NotificationFailed {
		t.Fatalf("expected a single failed entry, got %+v", store.entries)
	}
}

func TestSendBatchIsolatesFailures(t *testing.T) {
	client := &mockHTTPClient{
		respond: func(p providerPayload) (*http.Response, error) {
			if p.Recipient == "broken@example.com" {
				return errorResponse(http.StatusBadGateway, "upstream down"), nil
			}
			return okResponse(), nil
		},
	}
	d, store := newTestDispatcher(client)

	msgs := []Message{
		{Recipient: "alice@example.com"},
		{Recipient: "broken@example.com"},
		{Recipient: "carol@example.com"},
	}
	sent, failed := d.SendBatch(context.Background(), uuid.New(), ledger.NotifyDeadline24h, msgs)

	if sent != 2 || failed != 1 {
		t.Errorf("expected 2 sent / 1 failed, got %d / %d", sent, failed)
	}
	if len(store.entries) != 3 {
		t.Fatalf("expected one log entry per recipient, got %d", len(store.entries))
	}

	byStatus := map[ledger.NotificationStatus]int{}
	for _, entry := range store.entries {
		byStatus[entry.Status]++
	}
	if byStatus[ledger.NotificationSent] != 2 || byStatus[ledger.NotificationFailed] != 1 {
		t.Errorf("unexpected status breakdown: %v", byStatus)
	}
}

func TestSendPostsProviderPayload(t *testing.T) {
	client := &mockHTTPClient{}
	d, _ := newTestDispatcher(client)

	msg := Message{
		Recipient: "alice@example.com",
		Subject:   "Last call",
		Body:      "Voting closes in 2 hours.",
	}
	if err := d.Send(context.Background(), uuid.New(), ledger.NotifyDeadline2h, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(client.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}

	payload := client.bodies[0]
	if payload.Recipient != msg.Recipient || payload.Subject != msg.Subject || payload.Body != msg.Body {
		t.Errorf("payload mismatch: %+v", payload)
	}
}
