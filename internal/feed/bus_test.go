package feed

import (
	"fmt"
	"testing"
	"time"
)

func voteEvent(electionID, voterID string) Event {
	return Event{
		Op:    OpInsert,
		Table: TableVotes,
		Row: map[string]any{
			"id":          "v-" + voterID,
			"election_id": electionID,
			"voter_id":    voterID,
		},
		Timestamp: time.Now(),
	}
}

func electionEvent(electionID string) Event {
	return Event{
		Op:        OpUpdate,
		Table:     TableElections,
		Row:       map[string]any{"id": electionID, "total_votes": "5"},
		Timestamp: time.Now(),
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)

	a := bus.Subscribe(Filter{}, 4)
	b := bus.Subscribe(Filter{}, 4)
	defer a.Close()
	defer b.Close()

	bus.Publish(voteEvent("e1", "alice"))

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case e := <-sub.C:
			if e.Table != TableVotes || e.Op != OpInsert {
				t.Errorf("subscriber %s got unexpected event %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestBusTableFilter(t *testing.T) {
	bus := NewBus(nil)

	sub := bus.Subscribe(Filter{Table: TableCandidates}, 4)
	defer sub.Close()

	bus.Publish(voteEvent("e1", "alice"))
	bus.Publish(Event{Op: OpUpdate, Table: TableCandidates,
		Row: map[string]any{"id": "c1", "election_id": "e1", "vote_count": "3"}})

	select {
	case e := <-sub.C:
		if e.Table != TableCandidates {
			t.Errorf("filter leaked table %s", e.Table)
		}
	case <-time.After(time.Second):
		t.Fatal("expected candidate event")
	}

	select {
	case e := <-sub.C:
		t.Errorf("unexpected second event %+v", e)
	default:
	}
}

func TestBusElectionFilter(t *testing.T) {
	bus := NewBus(nil)

	sub := bus.Subscribe(Filter{ElectionID: "e1"}, 8)
	defer sub.Close()

	bus.Publish(voteEvent("e2", "bob"))
	bus.Publish(electionEvent("e2"))
	bus.Publish(voteEvent("e1", "alice"))
	bus.Publish(electionEvent("e1"))

	// The filter must match votes via election_id and elections via id.
	var got []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.C:
			got = append(got, e.Table)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}
	if got[0] != TableVotes || got[1] != TableElections {
		t.Errorf("unexpected event order %v", got)
	}

	select {
	case e := <-sub.C:
		t.Errorf("event for other election leaked: %+v", e)
	default:
	}
}

func TestBusOrderingPerSubscriber(t *testing.T) {
	bus := NewBus(nil)

	sub := bus.Subscribe(Filter{}, 32)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(voteEvent("e1", fmt.Sprintf("voter-%d", i)))
	}

	for i := 0; i < 10; i++ {
		select {
		case e := <-sub.C:
			want := fmt.Sprintf("voter-%d", i)
			if e.Row["voter_id"] != want {
				t.Fatalf("event %d: expected %s, got %v", i, want, e.Row["voter_id"])
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBusDropOnFullBuffer(t *testing.T) {
	bus := NewBus(nil)

	sub := bus.Subscribe(Filter{}, 2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(voteEvent("e1", fmt.Sprintf("voter-%d", i)))
	}

	// Publish never blocks; overflow is counted, not delivered.
	if got := bus.Dropped(); got != 3 {
		t.Errorf("expected 3 dropped events, got %d", got)
	}
	if len(sub.C) != 2 {
		t.Errorf("expected 2 buffered events, got %d", len(sub.C))
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	sub := bus.Subscribe(Filter{}, 4)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", bus.SubscriberCount())
	}

	// Closing twice must be safe, and the channel must be closed.
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	bus.Publish(voteEvent("e1", "alice"))
}

func TestEventElectionID(t *testing.T) {
	if got := voteEvent("e9", "x").ElectionID(); got != "e9" {
		t.Errorf("vote event: expected e9, got %q", got)
	}
	if got := electionEvent("e7").ElectionID(); got != "e7" {
		t.Errorf("election event: expected e7, got %q", got)
	}
	if got := (Event{Table: TableVotes, Row: map[string]any{}}).ElectionID(); got != "" {
		t.Errorf("expected empty election id, got %q", got)
	}
}
