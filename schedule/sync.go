package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
)

// Synchronizer reconciles the remote schedule of a subscription with the
// local customer products billed on it.
type Synchronizer struct {
	provider    provider.Provider
	logger      *slog.Logger
	maxAttempts int
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithMaxAttempts bounds how often a drifted schedule is recomputed.
func WithMaxAttempts(n int) SyncOption {
	return func(s *Synchronizer) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewSynchronizer creates a Synchronizer on top of p.
func NewSynchronizer(p provider.Provider, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{provider: p, logger: slog.Default(), maxAttempts: 3}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result reports what Sync did.
type Result struct {
	Action     Action `json:"action"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Sync builds the desired phases of products linked to subscriptionID and
// applies the resulting action. A conflict means the live schedule moved
// underneath us; the live state is re-read and the action recomputed.
func (s *Synchronizer) Sync(ctx context.Context, subscriptionID string, products []*subscription.CustomerProduct, now time.Time) (*Result, error) {
	linked := make([]*subscription.CustomerProduct, 0, len(products))
	for _, cp := range products {
		if cp.HasSubscription(subscriptionID) {
			linked = append(linked, cp)
		}
	}
	phases := BuildPhases(linked, now)

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		live, err := s.provider.GetSchedule(ctx, subscriptionID)
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			return nil, err
		}

		action := BuildAction(phases, live)
		scheduleID, err := s.apply(ctx, subscriptionID, action)
		if err == nil {
			s.logger.Debug("schedule synced",
				"subscription_id", subscriptionID,
				"action", action.Kind,
				"phases", len(action.Phases),
				"attempt", attempt,
			)
			return &Result{Action: action, ScheduleID: scheduleID, Attempts: attempt}, nil
		}
		if !errors.Is(err, provider.ErrScheduleConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("schedule drifted, recomputing",
			"subscription_id", subscriptionID,
			"action", action.Kind,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("schedule: sync %s after %d attempts: %w", subscriptionID, s.maxAttempts, lastErr)
}

func (s *Synchronizer) apply(ctx context.Context, subscriptionID string, a Action) (string, error) {
	switch a.Kind {
	case ActionNone:
		return a.ScheduleID, nil

	case ActionRelease:
		return "", s.provider.ReleaseSchedule(ctx, a.ScheduleID)

	case ActionCancelAt:
		if a.ReleaseExisting {
			if err := s.provider.ReleaseSchedule(ctx, a.ScheduleID); err != nil {
				return "", err
			}
		}
		_, err := s.provider.UpdateSubscription(ctx, subscriptionID, provider.SubscriptionUpdate{CancelAt: a.CancelAt})
		return "", err

	case ActionCreate:
		sched, err := s.provider.CreateSchedule(ctx, provider.ScheduleParams{
			SubscriptionID: subscriptionID,
			Phases:         a.Phases,
			EndBehavior:    a.EndBehavior,
		})
		if err != nil {
			return "", err
		}
		return sched.ID, nil

	case ActionUpdate:
		sched, err := s.provider.UpdateSchedule(ctx, a.ScheduleID, provider.ScheduleParams{
			SubscriptionID: subscriptionID,
			Phases:         a.Phases,
			EndBehavior:    a.EndBehavior,
		})
		if err != nil {
			return "", err
		}
		return sched.ID, nil

	default:
		return "", fmt.Errorf("schedule: unknown action %q", a.Kind)
	}
}
