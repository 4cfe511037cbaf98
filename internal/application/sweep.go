package application

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AutoCompleteSweep completes every active reservation that ended at least
// the completion grace before now. Reservations are grouped by trainer and
// the groups are processed concurrently. A failure on one reservation does
// not stop the others.
func (s *ReservationService) AutoCompleteSweep(ctx context.Context, now time.Time) (result SweepResult, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "AutoCompleteSweep")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "auto-complete sweep failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("auto_complete", result.Completed, result.Failed)
		logger.With("completed", result.Completed, "failed", result.Failed).InfoContext(ctx, "auto-complete sweep finished")
	}()

	cutoff := now.Add(-s.options.CompletionGrace)
	due, err := s.reservations.ListReservations(ctx, ReservationQuery{
		Statuses: ActiveStatuses,
		EndsBy:   &cutoff,
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}

	var order []string
	groups := make(map[string][]string)
	for _, reservation := range due {
		if _, ok := groups[reservation.TrainerID]; !ok {
			order = append(order, reservation.TrainerID)
		}
		groups[reservation.TrainerID] = append(groups[reservation.TrainerID], reservation.ID)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.options.SweepConcurrency)
	for _, trainerID := range order {
		ids := groups[trainerID]
		g.Go(func() error {
			for _, id := range ids {
				completed, err := s.completeDue(ctx, id, cutoff)
				mu.Lock()
				switch {
				case err != nil:
					result.Failed++
					result.Errors = append(result.Errors, newItemError(id, err))
				case completed:
					result.Completed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return
}

// completeDue completes one reservation unless it was moved or closed since
// the sweep listed it.
func (s *ReservationService) completeDue(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var previous ReservationStatus
	reservation, changed, err := s.apply(ctx, "AutoComplete", id, func(r *Reservation, now time.Time) error {
		if !r.Status.IsActive() || r.EndAt.After(cutoff) {
			return errNoChange
		}
		previous = r.Status
		r.Status = StatusCompleted
		r.addNote(now, "Completed automatically")
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	s.metrics.TransitionApplied(previous, StatusCompleted)
	s.notify(ctx, EventReservationCompleted, reservation, nil, nil)
	return true, nil
}
