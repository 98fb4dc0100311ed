package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"carelink.org/internal/ids"
)

var (
	// ErrChainConflict is returned by a Sink when the sequence number is taken.
	ErrChainConflict = errors.New("audit: chain conflict")
	// ErrAppendFailed wraps any failure to durably append an entry.
	ErrAppendFailed = errors.New("audit: append failed")
)

const (
	defaultAppendTimeout = 5 * time.Second
	maxAppendAttempts    = 3
	verifyPageSize       = 500
)

// Tail identifies the last entry of a stream.
type Tail struct {
	Seq  int64
	Hash string
}

// Sink persists chain entries. Append must reject an entry whose Seq is
// already present with ErrChainConflict.
type Sink interface {
	Tail(ctx context.Context) (Tail, error)
	Append(ctx context.Context, e Entry) error
	Range(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
}

// Input is the caller-supplied part of an entry.
type Input struct {
	ActorID           string
	ActorRole         string
	Action            string
	ResourceType      string
	ResourceID        string
	TenantRootID      string
	Decision          string
	Reason            string
	MatchedRule       string
	CorrelationID     string
	PolicyVersion     string
	BreakGlass        bool
	BreakGlassExpires *time.Time
	Context           map[string]any
}

// Recorder appends hash-chained entries to one stream. Appends are
// serialized; once started, an append is not abandoned on caller cancel.
type Recorder struct {
	sink          Sink
	alg           string
	now           func() time.Time
	appendTimeout time.Duration

	mu   sync.Mutex
	tail *Tail
}

// Option configures Recorder.
type Option func(*Recorder)

// WithHashAlgorithm selects the chain digest.
func WithHashAlgorithm(alg string) Option {
	return func(r *Recorder) {
		if alg != "" {
			r.alg = alg
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAppendTimeout bounds a single durable append.
func WithAppendTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.appendTimeout = d
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(sink Sink, opts ...Option) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	r := &Recorder{sink: sink, alg: HashSHA256, now: time.Now, appendTimeout: defaultAppendTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if !ValidHashAlg(r.alg) {
		return nil, fmt.Errorf("audit: unsupported hash algorithm %q", r.alg)
	}
	return r, nil
}

// Record appends an entry for in and returns it with chain fields set.
func (r *Recorder) Record(ctx context.Context, in Input) (Entry, error) {
	if strings.TrimSpace(in.Action) == "" || strings.TrimSpace(in.Decision) == "" {
		return Entry{}, fmt.Errorf("%w: action and decision are required", ErrAppendFailed)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// From here on the append runs to completion regardless of the caller.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.appendTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		tail, err := r.loadTail(actx)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: read tail: %v", ErrAppendFailed, err)
		}
		ts := r.now().UTC()
		e := Entry{
			ID:                ids.NewAt(ts),
			Seq:               tail.Seq + 1,
			Timestamp:         ts,
			ActorID:           in.ActorID,
			ActorRole:         in.ActorRole,
			Action:            in.Action,
			ResourceType:      in.ResourceType,
			ResourceID:        in.ResourceID,
			TenantRootID:      in.TenantRootID,
			Decision:          in.Decision,
			Reason:            in.Reason,
			MatchedRule:       in.MatchedRule,
			CorrelationID:     in.CorrelationID,
			PolicyVersion:     in.PolicyVersion,
			BreakGlass:        in.BreakGlass,
			BreakGlassExpires: in.BreakGlassExpires,
			Context:           in.Context,
			PrevHash:          tail.Hash,
			HashAlg:           r.alg,
		}
		e.Hash, err = ComputeHash(e)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
		}

		err = r.sink.Append(actx, e)
		if err == nil {
			r.tail = &Tail{Seq: e.Seq, Hash: e.Hash}
			return e, nil
		}
		// Unknown tail after any failure; re-read on the next attempt.
		r.tail = nil
		lastErr = err
		if !errors.Is(err, ErrChainConflict) {
			break
		}
	}
	return Entry{}, fmt.Errorf("%w: %v", ErrAppendFailed, lastErr)
}

func (r *Recorder) loadTail(ctx context.Context) (Tail, error) {
	if r.tail != nil {
		return *r.tail, nil
	}
	t, err := r.sink.Tail(ctx)
	if err != nil {
		return Tail{}, err
	}
	if t.Seq == 0 {
		t.Hash = GenesisHash
	}
	r.tail = &t
	return t, nil
}

// VerifyReport summarizes a chain verification.
type VerifyReport struct {
	Checked  int    `json:"checked"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
	HeadHash string `json:"head_hash,omitempty"`
}

// Verify recomputes every hash in sequence order and reports the first break.
func Verify(ctx context.Context, sink Sink) (VerifyReport, error) {
	report := VerifyReport{OK: true}
	prevHash := GenesisHash
	var prevSeq int64

	for {
		page, err := sink.Range(ctx, prevSeq, verifyPageSize)
		if err != nil {
			return report, err
		}
		for _, e := range page {
			report.Checked++
			if problem := checkEntry(e, prevSeq, prevHash); problem != "" {
				report.OK = false
				report.BrokenAt = e.Seq
				report.Problem = problem
				return report, nil
			}
			prevSeq, prevHash = e.Seq, e.Hash
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	if report.Checked > 0 {
		report.HeadHash = prevHash
	}
	return report, nil
}

// Verify checks the recorder's stream.
func (r *Recorder) Verify(ctx context.Context) (VerifyReport, error) {
	return Verify(ctx, r.sink)
}

func checkEntry(e Entry, prevSeq int64, prevHash string) string {
	if e.Seq != prevSeq+1 {
		return fmt.Sprintf("sequence gap: expected %d, got %d", prevSeq+1, e.Seq)
	}
	if e.PrevHash != prevHash {
		return "prev_hash does not match preceding entry"
	}
	want, err := ComputeHash(e)
	if err != nil {
		return err.Error()
	}
	if want != e.Hash {
		return "hash mismatch: entry contents altered"
	}
	return ""
}
