package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/booking-core/internal/outbox"
)

type outboxWorker interface {
	Stats() outbox.Stats
	RunCycle(ctx context.Context) (outbox.CycleResult, error)
}

// WorkerHandler exposes the outbox delivery worker for operators.
type WorkerHandler struct {
	worker    outboxWorker
	responder responder
	logger    *slog.Logger
}

func NewWorkerHandler(worker outboxWorker, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{worker: worker, responder: newResponder(logger), logger: defaultLogger(logger)}
}

func (h *WorkerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.worker == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, h.worker.Stats())
}

func (h *WorkerHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.worker == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if actor, _ := ActorFromContext(r.Context()); !actor.IsAdmin {
		h.responder.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{
			ErrorCode: "FORBIDDEN",
			Message:   statusMessage(http.StatusForbidden),
		})
		return
	}

	result, err := h.worker.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, outbox.ErrCycleInProgress) {
			h.responder.writeJSON(r.Context(), w, http.StatusConflict, errorResponse{
				ErrorCode: "CYCLE_IN_PROGRESS",
				Message:   err.Error(),
			})
			return
		}
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "WorkerHandler", "Run").InfoContext(r.Context(), "manual outbox cycle finished",
		"fetched", result.Fetched, "processed", result.Processed, "failed", result.Failed)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, result)
}
