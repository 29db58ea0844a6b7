package policy

import (
	"fmt"
	"sync"
	"time"

	"conductor/internal/api"
)

// MaintenanceWindow denies mutating operations while the wall clock is
// inside a configured daily window. Health checks are always allowed so
// monitoring keeps working during maintenance.
type MaintenanceWindow struct {
	// Start and End are minutes since midnight, local time. A window
	// wrapping midnight (Start > End) is supported.
	Start int
	End   int

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Name implements Rule.
func (w *MaintenanceWindow) Name() string { return "maintenance-window" }

// Evaluate implements Rule.
func (w *MaintenanceWindow) Evaluate(ctx EvaluationContext) (bool, string) {
	if ctx.OperationKind == "health-check" {
		return true, ""
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	t := now()
	minutes := t.Hour()*60 + t.Minute()

	inWindow := false
	if w.Start <= w.End {
		inWindow = minutes >= w.Start && minutes < w.End
	} else {
		inWindow = minutes >= w.Start || minutes < w.End
	}
	if inWindow {
		return false, fmt.Sprintf("maintenance window active (%02d:%02d-%02d:%02d)",
			w.Start/60, w.Start%60, w.End/60, w.End%60)
	}
	return true, ""
}

// RequesterQuota denies operations once a requester has exceeded its
// per-window budget. The window is a rolling one over recorded timestamps.
type RequesterQuota struct {
	MaxOperations int
	Window        time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewRequesterQuota creates a quota rule.
func NewRequesterQuota(maxOperations int, window time.Duration) *RequesterQuota {
	return &RequesterQuota{
		MaxOperations: maxOperations,
		Window:        window,
		history:       make(map[string][]time.Time),
	}
}

// Name implements Rule.
func (q *RequesterQuota) Name() string { return "requester-quota" }

// Evaluate implements Rule.
func (q *RequesterQuota) Evaluate(ctx EvaluationContext) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := ctx.Timestamp.Add(-q.Window)
	recent := q.history[ctx.Requester.RequesterID][:0]
	for _, t := range q.history[ctx.Requester.RequesterID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= q.MaxOperations {
		q.history[ctx.Requester.RequesterID] = recent
		return false, fmt.Sprintf("requester %s exceeded quota of %d operations per %s",
			ctx.Requester.RequesterID, q.MaxOperations, q.Window)
	}

	q.history[ctx.Requester.RequesterID] = append(recent, ctx.Timestamp)
	return true, ""
}

// RequesterAuthorization restricts operation kinds to certain requester
// types. Kinds without an entry are open to everyone.
type RequesterAuthorization struct {
	// Allowed maps an operation kind to the requester types permitted
	// to issue it.
	Allowed map[string][]api.RequesterType
}

// Name implements Rule.
func (a *RequesterAuthorization) Name() string { return "requester-authorization" }

// Evaluate implements Rule.
func (a *RequesterAuthorization) Evaluate(ctx EvaluationContext) (bool, string) {
	allowed, restricted := a.Allowed[ctx.OperationKind]
	if !restricted {
		return true, ""
	}
	for _, rt := range allowed {
		if rt == ctx.Requester.RequesterType {
			return true, ""
		}
	}
	return false, fmt.Sprintf("requester type %s is not authorized for %s operations",
		ctx.Requester.RequesterType, ctx.OperationKind)
}
