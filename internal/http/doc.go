// Package http provides HTTP handlers and middleware for the reservation API.
//
// The router exposes the following endpoints:
//   - GET /reservations, POST /reservations: list reservations filtered by
//     trainer_id, client_id, status (comma separated), from and to; create a
//     reservation from the `createReservationRequest` payload.
//   - GET /reservations/upcoming?horizon=48h, GET /reservations/pending-payments:
//     operational listings of active reservations.
//   - GET /reservations/{id}, PATCH /reservations/{id}: fetch or modify a
//     reservation. PATCH accepts start_time/end_time as "HH:MM" on the
//     reservation's own date.
//   - POST /reservations/{id}/{confirm|cancel|reschedule|payment|no-show|complete}:
//     lifecycle transitions. POST /reservations/{id}/tokens issues a
//     confirmation token.
//   - GET /availability?trainer_id=&start_at=&end_at=: slot check.
//   - GET|POST /trainers/{id}/blocked-periods, DELETE
//     /trainers/{id}/blocked-periods/{periodID}, GET /trainers/{id}/calendar.ics.
//   - GET|POST /recurrence-rules, POST /recurrence-rules/preview,
//     GET /recurrence-rules/{id}[/preview|/calendar.ics],
//     POST /recurrence-rules/{id}/{expand|pause|resume|cancel},
//     PATCH /recurrence-rules/{id}/occurrences.
//   - GET /tokens/{token}, GET|POST /tokens/{token}/redeem?action=confirm|cancel.
//   - POST /jobs/{auto-complete|expand|reminders}: run a batch on demand.
//   - GET /healthz and, when configured, GET /metrics.
//
// Errors are rendered as {"error_code","message","errors"}. Request/response
// DTOs live alongside their respective handlers so tests and documentation
// share the same ground truth.
package http
