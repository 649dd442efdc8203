package http

import (
	"context"

	"github.com/example/booking-core/internal/persistence"
)

type contextKey string

const (
	actorContextKey         contextKey = "actor"
	appointmentIDContextKey contextKey = "appointment_id"
)

// ContextWithActor returns a derived context containing the resolved actor.
func ContextWithActor(ctx context.Context, actor persistence.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext extracts the resolved actor from context if available.
func ActorFromContext(ctx context.Context) (persistence.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(persistence.Actor)
	return actor, ok
}

// ContextWithAppointmentID injects the appointment identifier resolved from the request path.
func ContextWithAppointmentID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, appointmentIDContextKey, id)
}

// AppointmentIDFromContext extracts an appointment identifier previously associated with the context.
func AppointmentIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(appointmentIDContextKey).(int64)
	return id, ok
}
