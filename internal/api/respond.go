package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/electra/electra/internal/ledger"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}

func parseBody(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body)
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// writeCastError maps the casting taxonomy onto HTTP statuses. The
// duplicate-vote message is deliberately specific: "you already voted"
// is actionable in a way a generic failure is not.
func writeCastError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateVote):
		writeError(w, http.StatusConflict, "You have already voted in this election")
	case errors.Is(err, ledger.ErrNotEligible):
		writeError(w, http.StatusForbidden, "You are not eligible to vote in this election")
	case errors.Is(err, ledger.ErrCandidateMismatch):
		writeError(w, http.StatusBadRequest, "Candidate does not belong to this election")
	case errors.Is(err, ledger.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Temporary storage failure, please retry")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		writeError(w, http.StatusInternalServerError, "Vote could not be recorded")
	}
}
