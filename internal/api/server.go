// Package api exposes the pipeline to the UI layer: vote casting, tally
// reads, a live tally stream and the notification sweep trigger. The
// rendering and auth surfaces live elsewhere and only call these
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/casting"
	"github.com/electra/electra/internal/feed"
	"github.com/electra/electra/internal/ledger"
	"github.com/electra/electra/internal/projector"
	"github.com/electra/electra/internal/scheduler"
)

type Server struct {
	store     ledger.Store
	votes     *casting.Service
	views     *projector.Projector
	bus       *feed.Bus
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

func NewServer(store ledger.Store, votes *casting.Service, views *projector.Projector, bus *feed.Bus, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     store,
		votes:     votes,
		views:     views,
		bus:       bus,
		scheduler: sched,
		logger:    logger,
	}
}

func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/elections/{id}/votes", s.CastVote)
	mux.HandleFunc("GET /api/elections/{id}/tally", s.GetTally)
	mux.HandleFunc("GET /api/elections/{id}/tally/stream", s.StreamTally)
	mux.HandleFunc("POST /api/notifications/sweep", s.RunSweep)
	return mux
}

type castVoteRequest struct {
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
}

// CastVote handles POST /api/elections/{id}/votes.
func (s *Server) CastVote(w http.ResponseWriter, r *http.Request) {
	electionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}

	var req castVoteRequest
	if err := parseBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.VoterID == "" {
		writeError(w, http.StatusBadRequest, "voter_id is required")
		return
	}
	candidateID, err := uuid.Parse(req.CandidateID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid candidate_id")
		return
	}

	receipt, err := s.votes.CastVote(r.Context(), req.VoterID, electionID, candidateID)
	if err != nil {
		s.logger.Warn("vote cast rejected",
			"election_id", electionID, "error", err)
		writeCastError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// GetTally handles GET /api/elections/{id}/tally. The projected view is
// served when present; otherwise the store is read and the view primed.
func (s *Server) GetTally(w http.ResponseWriter, r *http.Request) {
	electionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}

	view, err := s.tallyView(r.Context(), electionID)
	if err != nil {
		writeCastError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// StreamTally handles GET /api/elections/{id}/tally/stream as
// server-sent events: one snapshot up front, then an updated view per
// change event. Disconnecting unsubscribes and nothing else.
func (s *Server) StreamTally(w http.ResponseWriter, r *http.Request) {
	electionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if _, err := s.tallyView(r.Context(), electionID); err != nil {
		writeCastError(w, err)
		return
	}

	// Subscribe before sending the snapshot so no committed change can
	// fall between snapshot and stream.
	sub := s.bus.Subscribe(feed.Filter{ElectionID: electionID.String()}, feed.DefaultBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if view, ok := s.views.Snapshot(electionID.String()); ok {
		s.writeSSE(w, view)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			s.views.Apply(event)
			if view, ok := s.views.Snapshot(electionID.String()); ok {
				s.writeSSE(w, view)
				flusher.Flush()
			}
		}
	}
}

// RunSweep handles POST /api/notifications/sweep: one scheduler
// evaluation, on demand.
func (s *Server) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.Sweep(r.Context())
	if err != nil {
		s.logger.Error("on-demand sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "notification sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) tallyView(ctx context.Context, electionID uuid.UUID) (*projector.View, error) {
	if view, ok := s.views.Snapshot(electionID.String()); ok {
		return view, nil
	}

	election, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	s.views.Prime(election, candidates)

	view, _ := s.views.Snapshot(electionID.String())
	return view, nil
}

func (s *Server) writeSSE(w http.ResponseWriter, view *projector.View) {
	data, err := json.Marshal(view)
	if err != nil {
		s.logger.Error("failed to marshal tally view", "error", err)
		return
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		s.logger.Debug("tally stream write failed", "error", err)
	}
}
