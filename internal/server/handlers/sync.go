package handlers

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
	apperrors "github.com/stridemirror/stridemirror/internal/errors"
	"github.com/stridemirror/stridemirror/internal/metrics"
)

// GatherRunner runs one gather cycle for a user.
type GatherRunner interface {
	Gather(ctx context.Context, userID string) (*core.GatherSummary, error)
}

// QueueDrainer drains deferred fetch work and reports queue depth.
type QueueDrainer interface {
	Drain(ctx context.Context, userID string, budget int) (*engine.DrainSummary, error)
	Depth(ctx context.Context) (*core.QueueDepth, error)
}

// StatusReporter assembles the quota and queue status report.
type StatusReporter interface {
	Report(ctx context.Context, accountID, userID string) (*engine.Report, error)
}

// QueueLister lists durable queue entries for inspection endpoints.
type QueueLister interface {
	ListQueueEntries(ctx context.Context, userID string) ([]*core.QueueEntry, error)
}

// SyncHandler serves the sync API: gather cycles, queue drains, and
// quota/queue inspection.
type SyncHandler struct {
	Gatherer GatherRunner
	Queue    QueueDrainer
	Reporter StatusReporter
	Lister   QueueLister

	// Kick, when set, nudges the background drain scheduler after a
	// gather cycle leaves deferred work behind.
	Kick func()

	// DrainBudget bounds a single on-demand drain pass. Zero means 10.
	DrainBudget int
}

func (h *SyncHandler) drainBudget() int {
	if h.DrainBudget > 0 {
		return h.DrainBudget
	}
	return 10
}

// GatherHandler runs a full gather cycle for the user in the URL.
func (h *SyncHandler) GatherHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("User ID is required"))
		return
	}

	summary, err := h.Gatherer.Gather(r.Context(), userID)
	if err != nil {
		if goerrors.Is(err, core.ErrSyncAlreadyRunning) {
			respondWithError(w, r, apperrors.NewSyncAlreadyRunningError(
				fmt.Sprintf("A gather cycle is already running for user %s", userID)))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "Gather cycle failed"))
		return
	}

	metrics.RecordGatherCycle(summary.State, summary.Pages)
	// Deferred work kicks the scheduler whether the cycle finished or
	// was quota blocked; a blocked cycle's kick reschedules the next
	// drain for when the observed RetryAfter elapses.
	if summary.Enqueued > 0 && h.Kick != nil {
		h.Kick()
	}
	if summary.State == core.GatherQuotaBlocked && summary.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(summary.RetryAfter.Seconds())))
	}

	writeJSON(w, http.StatusAccepted, summary)
}

// DrainHandler runs one on-demand drain pass for the user in the URL.
func (h *SyncHandler) DrainHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("User ID is required"))
		return
	}

	summary, err := h.Queue.Drain(r.Context(), userID, h.drainBudget())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "Queue drain failed"))
		return
	}

	metrics.RecordQueueDrain(summary.Done, summary.Requeued, summary.Failed, summary.Stopped)
	if depth, depthErr := h.Queue.Depth(r.Context()); depthErr == nil {
		metrics.SetQueueDepth(*depth)
	}
	if summary.Stopped && summary.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(summary.RetryAfter.Seconds())))
	}

	writeJSON(w, http.StatusAccepted, summary)
}

// RateLimitHandler reports the quota and queue status for an account.
func (h *SyncHandler) RateLimitHandler(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("Account ID is required"))
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))

	report, err := h.Reporter.Report(r.Context(), accountID, userID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "Rate limit report failed"))
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// QueueListResponse wraps the queue entries for one user.
type QueueListResponse struct {
	UserID  string             `json:"user_id"`
	Entries []*core.QueueEntry `json:"entries"`
	Count   int                `json:"count"`
}

// QueueListHandler lists every durable queue entry for the user in the URL.
func (h *SyncHandler) QueueListHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("User ID is required"))
		return
	}

	entries, err := h.Lister.ListQueueEntries(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Queue listing failed"))
		return
	}
	if entries == nil {
		entries = []*core.QueueEntry{}
	}

	writeJSON(w, http.StatusOK, QueueListResponse{
		UserID:  userID,
		Entries: entries,
		Count:   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
