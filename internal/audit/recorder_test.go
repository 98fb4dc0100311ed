package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func sampleInput(i int) Input {
	decision := "allow"
	if i%2 == 1 {
		decision = "deny"
	}
	return Input{
		ActorID:       "user_1",
		ActorRole:     "case_manager",
		Action:        "read",
		ResourceType:  "note",
		ResourceID:    "note_1",
		TenantRootID:  "org_1",
		Decision:      decision,
		Reason:        "test",
		CorrelationID: "corr",
		PolicyVersion: "v1",
		Context:       map[string]any{"tenant_root_id": "org_1", "consent_ok": i%2 == 0},
	}
}

func newTestRecorder(t *testing.T, sink Sink, opts ...Option) *Recorder {
	t.Helper()
	r, err := NewRecorder(sink, opts...)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r
}

func TestRecordBuildsChain(t *testing.T) {
	for _, alg := range []string{HashSHA256, HashBlake2b} {
		t.Run(alg, func(t *testing.T) {
			sink := NewMemorySink()
			r := newTestRecorder(t, sink, WithHashAlgorithm(alg))

			prev := GenesisHash
			for i := 0; i < 5; i++ {
				e, err := r.Record(context.Background(), sampleInput(i))
				if err != nil {
					t.Fatalf("record %d: %v", i, err)
				}
				if e.Seq != int64(i+1) || e.PrevHash != prev || e.HashAlg != alg {
					t.Fatalf("entry %d chain fields wrong: %+v", i, e)
				}
				prev = e.Hash
			}
			report, err := r.Verify(context.Background())
			if err != nil || !report.OK || report.Checked != 5 || report.HeadHash != prev {
				t.Fatalf("verify: %+v %v", report, err)
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	sink := NewMemorySink()
	r := newTestRecorder(t, sink)
	for i := 0; i < 4; i++ {
		if _, err := r.Record(context.Background(), sampleInput(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sink.Tamper(3, func(e *Entry) { e.Decision = "allow" })
	report, err := Verify(context.Background(), sink)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK || report.BrokenAt != 3 {
		t.Fatalf("expected break at 3, got %+v", report)
	}
}

func TestVerifyDetectsRelinking(t *testing.T) {
	sink := NewMemorySink()
	r := newTestRecorder(t, sink)
	for i := 0; i < 3; i++ {
		if _, err := r.Record(context.Background(), sampleInput(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	// Rewriting an entry and recomputing its own hash still breaks the link
	// to its successor.
	sink.Tamper(2, func(e *Entry) {
		e.Reason = "rewritten"
		e.Hash, _ = ComputeHash(*e)
	})
	report, _ := Verify(context.Background(), sink)
	if report.OK || report.BrokenAt != 3 {
		t.Fatalf("expected break at 3, got %+v", report)
	}
}

func TestRecordSerializesConcurrentAppends(t *testing.T) {
	sink := NewMemorySink()
	r := newTestRecorder(t, sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Record(context.Background(), sampleInput(i)); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if sink.Len() != 50 {
		t.Fatalf("expected 50 entries, got %d", sink.Len())
	}
	report, err := r.Verify(context.Background())
	if err != nil || !report.OK {
		t.Fatalf("chain broken after concurrent appends: %+v %v", report, err)
	}
}

func TestRecordRetriesAfterForeignAppend(t *testing.T) {
	sink := NewMemorySink()
	a := newTestRecorder(t, sink)
	b := newTestRecorder(t, sink)

	if _, err := a.Record(context.Background(), sampleInput(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Record(context.Background(), sampleInput(1)); err != nil {
		t.Fatal(err)
	}
	// a's cached tail is stale now.
	e, err := a.Record(context.Background(), sampleInput(2))
	if err != nil {
		t.Fatalf("record after foreign append: %v", err)
	}
	if e.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", e.Seq)
	}
	if report, _ := a.Verify(context.Background()); !report.OK {
		t.Fatalf("chain broken: %+v", report)
	}
}

type gatedSink struct {
	*MemorySink
	started chan struct{}
	release chan struct{}
}

func (g *gatedSink) Append(ctx context.Context, e Entry) error {
	close(g.started)
	<-g.release
	return g.MemorySink.Append(ctx, e)
}

func TestAppendSurvivesCallerCancel(t *testing.T) {
	sink := &gatedSink{MemorySink: NewMemorySink(), started: make(chan struct{}), release: make(chan struct{})}
	r := newTestRecorder(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Record(ctx, sampleInput(0))
		done <- err
	}()

	<-sink.started
	cancel()
	close(sink.release)

	if err := <-done; err != nil {
		t.Fatalf("append abandoned after cancel: %v", err)
	}
	if sink.Len() != 1 {
		t.Fatalf("expected durable entry, got %d", sink.Len())
	}
}

type failingSink struct{ *MemorySink }

func (failingSink) Append(context.Context, Entry) error { return errors.New("disk full") }

func TestRecordFailureIsReported(t *testing.T) {
	r := newTestRecorder(t, failingSink{NewMemorySink()})
	if _, err := r.Record(context.Background(), sampleInput(0)); !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("expected ErrAppendFailed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = newTestRecorder(t, NewMemorySink())
	if _, err := r.Record(ctx, sampleInput(0)); !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("expected ErrAppendFailed before start, got %v", err)
	}
	if _, err := NewRecorder(NewMemorySink(), WithHashAlgorithm("md5")); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
}

func TestEntryCarriesBreakGlassFields(t *testing.T) {
	exp := time.Date(2026, 10, 19, 9, 15, 0, 0, time.UTC)
	r := newTestRecorder(t, NewMemorySink())
	in := sampleInput(0)
	in.BreakGlass = true
	in.BreakGlassExpires = &exp
	e, err := r.Record(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !e.BreakGlass || e.BreakGlassExpires == nil || !e.BreakGlassExpires.Equal(exp) {
		t.Fatalf("break-glass fields missing: %+v", e)
	}
}
