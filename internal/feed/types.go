// Package feed is the tally change feed: committed mutations on the
// election tables, delivered live to any number of subscribers. Delivery
// is at-least-once and best-effort; a late subscriber only sees
// mutations from connection time forward and must fetch current state on
// subscribe.
package feed

import "time"

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Tables the feed announces. Everything else in the WAL stream is
// ignored.
const (
	TableElections  = "elections"
	TableCandidates = "candidates"
	TableVotes      = "votes"
)

// Event is one committed row change. Row values are the text-decoded
// column tuples from the replication stream; subscribers treat each
// event as replace-by-id state, never as a delta.
type Event struct {
	Op        Op             `json:"event"`
	Table     string         `json:"table"`
	Row       map[string]any `json:"row"`
	Timestamp time.Time      `json:"timestamp"`
}

// ElectionID returns the election an event belongs to, or "" when the
// row carries no election key.
func (e Event) ElectionID() string {
	key := "election_id"
	if e.Table == TableElections {
		key = "id"
	}
	if v, ok := e.Row[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func watchedTable(name string) bool {
	switch name {
	case TableElections, TableCandidates, TableVotes:
		return true
	}
	return false
}
