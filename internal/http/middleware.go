package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/booking-core/internal/logging"
	"github.com/example/booking-core/internal/persistence"
)

// Identity headers set by the upstream auth gateway.
const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"
)

// ActorResolver looks up a user's membership within a tenant.
type ActorResolver interface {
	ResolveActor(ctx context.Context, organizationID, userID int64) (persistence.Actor, error)
}

// RequireActor resolves the tenant and user named by the identity headers and
// stores the actor in the request context. Missing or malformed headers are
// rejected with 401; users that are not members of the tenant get 403.
func RequireActor(resolver ActorResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			organizationID, okOrg := headerID(r, HeaderOrganizationID)
			userID, okUser := headerID(r, HeaderUserID)
			if !okOrg || !okUser {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingIdentity)
				return
			}

			actor, err := resolver.ResolveActor(r.Context(), organizationID, userID)
			if err != nil {
				switch {
				case errors.Is(err, persistence.ErrNotFound):
					responder.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{
						ErrorCode: "NOT_A_MEMBER",
						Message:   "user is not a member of this organization",
					})
				default:
					responder.loggerFor(r.Context()).ErrorContext(r.Context(), "failed to resolve actor", "error", err)
					responder.writeJSON(r.Context(), w, http.StatusInternalServerError, errorResponse{Message: statusMessage(http.StatusInternalServerError)})
				}
				return
			}

			ctx := ContextWithActor(r.Context(), actor)
			ctx = logging.WithAttrs(ctx, "organization_id", actor.OrganizationID, "user_id", actor.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func headerID(r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RequestLogger attaches a request scoped logger to the context and logs the
// start and completion of every request.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := counter.Add(1)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := logging.ContextWithLogger(r.Context(), logger)
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			logger.InfoContext(ctx, "request started")
			next.ServeHTTP(rec, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "status", rec.status, "duration", time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so event streams keep working behind
// the request logger.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
