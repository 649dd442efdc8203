// Package http provides HTTP handlers and middleware for the booking API.
//
// Every request carries the caller's identity in the X-Organization-ID and
// X-User-ID headers set by the upstream auth gateway; RequireActor resolves
// them against the tenant directory before any handler runs.
//
// The router exposes the following endpoints:
//   - POST /appointments, GET /appointments, PATCH /appointments: create a
//     single or weekly booking, list with filters (from, to, specialist_id,
//     client_id, status, vip_only, recurring_only), and apply one patch to an
//     explicit id set. Payloads are the `appointmentDTO` family defined in
//     booking_handler.go.
//   - GET /appointments/conflicts: overlap check for a candidate slot.
//   - GET /appointments/{id}/targets?scope=: the occurrences a scoped edit
//     would touch, including the effective scope after downgrade.
//   - PATCH /appointments/{id}?scope=, DELETE /appointments/{id}?scope=:
//     scoped series edits and deletes (single, future, all).
//   - POST /appointments/delete: idempotent delete of an id set.
//   - GET /appointments/no-shows: no-show counts per client.
//   - GET /notifications, POST /notifications/read-all, DELETE /notifications,
//     POST /notifications/send: the per-user inbox and manual sends.
//   - GET /events/stream: server-sent live events for the caller.
//   - GET /outbox/worker, POST /outbox/worker/run: delivery worker stats and a
//     manual cycle.
//
// Domain errors map to 403 (forbidden), 404 (not found), 409 (slot conflict,
// with the blocking bookings), 422 (field validation) and 503 (notification
// storage missing or transient store failure).
package http
