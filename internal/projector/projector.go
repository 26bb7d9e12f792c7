// Package projector maintains read-optimized per-election tally views
// from the change feed. It is purely a read-side cache: events replace
// rows by id, the candidate list stays sorted by descending vote count,
// and nothing here ever writes back to the store.
package projector

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/electra/electra/internal/feed"
	"github.com/electra/electra/internal/ledger"
)

type CandidateView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Party     string `json:"party"`
	VoteCount int64  `json:"vote_count"`
}

type View struct {
	ElectionID string          `json:"election_id"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	TotalVotes int64           `json:"total_votes"`
	EndAt      time.Time       `json:"end_at"`
	Candidates []CandidateView `json:"candidates"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Projector struct {
	mu     sync.RWMutex
	views  map[string]*View
	logger *slog.Logger
}

func New(logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		views:  make(map[string]*View),
		logger: logger,
	}
}

// Prime seeds the view with current store state. The feed has no replay
// contract, so every subscription starts from a fetched snapshot and the
// live events take over from there.
func (p *Projector) Prime(e *ledger.Election, candidates []*ledger.Candidate) {
	view := &View{
		ElectionID: e.ID.String(),
		Title:      e.Title,
		Status:     string(e.Status),
		TotalVotes: e.TotalVotes,
		EndAt:      e.EndAt,
		UpdatedAt:  time.Now(),
	}
	for _, c := range candidates {
		view.Candidates = append(view.Candidates, CandidateView{
			ID:        c.ID.String(),
			Name:      c.Name,
			Party:     c.Party,
			VoteCount: c.VoteCount,
		})
	}
	sortCandidates(view.Candidates)

	p.mu.Lock()
	p.views[view.ElectionID] = view
	p.mu.Unlock()
}

// Apply merges one feed event into the projected views. Events are
// replaceable state keyed by row id, so duplicates and reordering
// converge to the same view.
func (p *Projector) Apply(e feed.Event) {
	switch e.Table {
	case feed.TableCandidates:
		p.applyCandidate(e)
	case feed.TableElections:
		p.applyElection(e)
	}
}

// Run consumes a subscription until the context ends or the
// subscription closes.
func (p *Projector) Run(ctx context.Context, sub *feed.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			p.Apply(event)
		}
	}
}

// Snapshot returns a copy of the election's view.
func (p *Projector) Snapshot(electionID string) (*View, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	view, ok := p.views[electionID]
	if !ok {
		return nil, false
	}

	cp := *view
	cp.Candidates = make([]CandidateView, len(view.Candidates))
	copy(cp.Candidates, view.Candidates)
	return &cp, true
}

func (p *Projector) applyCandidate(e feed.Event) {
	electionID := e.ElectionID()
	id := rowString(e.Row, "id")
	if electionID == "" || id == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	view, ok := p.views[electionID]
	if !ok {
		return
	}

	if e.Op == feed.OpDelete {
		for i := range view.Candidates {
			if view.Candidates[i].ID == id {
				view.Candidates = append(view.Candidates[:i], view.Candidates[i+1:]...)
				break
			}
		}
		view.UpdatedAt = e.Timestamp
		return
	}

	cv := CandidateView{
		ID:        id,
		Name:      rowString(e.Row, "name"),
		Party:     rowString(e.Row, "party"),
		VoteCount: rowInt64(e.Row, "vote_count"),
	}

	replaced := false
	for i := range view.Candidates {
		if view.Candidates[i].ID == id {
			view.Candidates[i] = cv
			replaced = true
			break
		}
	}
	if !replaced {
		view.Candidates = append(view.Candidates, cv)
	}
	sortCandidates(view.Candidates)
	view.UpdatedAt = e.Timestamp
}

// applyElection refreshes totals and status without touching the
// candidate rows.
func (p *Projector) applyElection(e feed.Event) {
	id := rowString(e.Row, "id")
	if id == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	view, ok := p.views[id]
	if !ok {
		return
	}
	if e.Op == feed.OpDelete {
		delete(p.views, id)
		return
	}

	if title := rowString(e.Row, "title"); title != "" {
		view.Title = title
	}
	if status := rowString(e.Row, "status"); status != "" {
		view.Status = status
	}
	if _, ok := e.Row["total_votes"]; ok {
		view.TotalVotes = rowInt64(e.Row, "total_votes")
	}
	view.UpdatedAt = e.Timestamp
}

func sortCandidates(candidates []CandidateView) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].VoteCount != candidates[j].VoteCount {
			return candidates[i].VoteCount > candidates[j].VoteCount
		}
		return candidates[i].Name < candidates[j].Name
	})
}

func rowString(row map[string]any, key string) string {
	if v, ok := row[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func rowInt64(row map[string]any, key string) int64 {
	switch v := row[key].(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
