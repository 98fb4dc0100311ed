package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carelink.org/internal/authz"
)

const defaultTimeout = 2 * time.Second

// Evaluator answers consent questions. It never returns an error: lookup
// failures and timeouts resolve to ConsentOK=false.
type Evaluator struct {
	store   Store
	now     func() time.Time
	timeout time.Duration
}

// EvaluatorOption configures Evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock overrides the evaluator clock.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTimeout bounds each evaluation.
func WithTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEvaluator constructs an Evaluator over store.
func NewEvaluator(store Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, now: time.Now, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate checks platform consent and, for narrower requests, consent at
// the requested scope. The platform check runs first and short-circuits.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{ScopeType: req.ScopeType, Reason: fmt.Sprintf("consent evaluation failed: %v", r)}
		}
	}()

	if strings.TrimSpace(req.ClientID) == "" {
		return Result{ScopeType: req.ScopeType, Reason: "client id is required"}
	}
	if req.ScopeType == "" {
		req.ScopeType = ScopePlatform
	}
	if !req.ScopeType.Valid() {
		return Result{ScopeType: req.ScopeType, Reason: fmt.Sprintf("unknown consent scope %q", req.ScopeType)}
	}
	if !req.Purpose.Valid() {
		return Result{ScopeType: req.ScopeType, Reason: fmt.Sprintf("unknown purpose %q", req.Purpose)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	platform := e.evaluateScope(ctx, req.ClientID, ScopePlatform, "", req.Purpose)
	if !platform.ConsentOK || req.ScopeType == ScopePlatform {
		return platform
	}
	if strings.TrimSpace(req.ScopeID) == "" {
		return Result{ScopeType: req.ScopeType, Reason: fmt.Sprintf("%s consent requires a scope id", req.ScopeType)}
	}

	scoped := e.evaluateScope(ctx, req.ClientID, req.ScopeType, req.ScopeID, req.Purpose)
	if !scoped.ConsentOK {
		return scoped
	}
	// The grace flag and the earliest expiry of either level carry through.
	scoped.GracePeriodActive = scoped.GracePeriodActive || platform.GracePeriodActive
	scoped.ExpiresAt = earliest(scoped.ExpiresAt, platform.ExpiresAt)
	return scoped
}

func (e *Evaluator) evaluateScope(ctx context.Context, clientID string, scope ScopeType, scopeID string, purpose authz.Purpose) Result {
	res := Result{ScopeType: scope}

	type lookup struct {
		recs []Record
		err  error
	}
	done := make(chan lookup, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- lookup{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		recs, err := e.store.ListConsents(ctx, clientID, scope, scopeID)
		done <- lookup{recs: recs, err: err}
	}()

	var out lookup
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) {
			res.TimedOut = true
			res.Reason = "consent lookup timed out"
			return res
		}
		res.Reason = fmt.Sprintf("consent lookup failed: %v", out.err)
		return res
	}

	rec, ok := selectRecord(out.recs, scope, scopeID, purpose)
	if !ok {
		res.Reason = fmt.Sprintf("no active %s consent for purpose %s", scope, purpose)
		return res
	}

	valid, grace, effective := rec.Validity(e.now())
	res.ConsentID = rec.ID
	res.AllowedPurposes = append(res.AllowedPurposes, rec.AllowedPurposes...)
	res.ExpiresAt = effective
	if !valid {
		res.Reason = fmt.Sprintf("%s consent %s expired", scope, rec.ID)
		return res
	}
	res.ConsentOK = true
	res.GracePeriodActive = grace
	if grace {
		res.Reason = fmt.Sprintf("%s consent %s in grace period", scope, rec.ID)
	} else {
		res.Reason = fmt.Sprintf("%s consent %s valid", scope, rec.ID)
	}
	return res
}

// selectRecord picks the most recently granted, non-revoked record covering
// purpose. Records from other scopes never substitute.
func selectRecord(recs []Record, scope ScopeType, scopeID string, purpose authz.Purpose) (Record, bool) {
	candidates := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.ScopeType != scope || r.ScopeID != scopeID {
			continue
		}
		if r.Revoked() || !r.Allows(purpose) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return Record{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].GrantedAt.After(candidates[j].GrantedAt)
	})
	return candidates[0], true
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
