package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"carelink.org/internal/authz"
)

var (
	ErrNotLoaded      = errors.New("policy: no policy loaded")
	ErrReloadDisabled = errors.New("policy: reload disabled in this environment")
)

// Source supplies raw rule documents.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// FileSource reads rules from a path on disk.
type FileSource string

func (f FileSource) Name() string { return string(f) }

func (f FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(string(f))
}

// BytesSource serves an in-memory document.
type BytesSource struct {
	Label string
	Data  []byte
}

func (b BytesSource) Name() string { return b.Label }

func (b BytesSource) Read(context.Context) ([]byte, error) {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out, nil
}

// Snapshot is an immutable, versioned rule set. Readers holding a snapshot
// keep a consistent view after later swaps.
type Snapshot struct {
	Version  string
	Label    string
	Seq      uint64
	Digest   string
	Source   string
	LoadedAt time.Time
	rules    []Rule
}

// Rules returns a copy of the rule list in file order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Match returns the most specific rule covering the request. Ties go to the
// rule declared first.
func (s *Snapshot) Match(role string, obj authz.Object, action authz.Action) (Rule, bool) {
	var (
		best     Rule
		bestRank = -1
	)
	for _, r := range s.rules {
		if !r.Matches(role, obj, action) {
			continue
		}
		if rank := r.rank(role, action); rank > bestRank {
			best, bestRank = r, rank
		}
	}
	return best, bestRank >= 0
}

// Store holds the active snapshot and swaps it copy-on-write.
type Store struct {
	current     atomic.Pointer[Snapshot]
	mu          sync.Mutex
	seq         uint64
	source      Source
	allowReload bool
	now         func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithReload enables Reload. Production deployments leave it off.
func WithReload(allow bool) Option {
	return func(s *Store) { s.allowReload = allow }
}

// WithClock overrides the clock used for LoadedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load parses src and, when valid, atomically makes it the active rule set.
// Loading content identical to the active snapshot keeps its version.
func (s *Store) Load(ctx context.Context, src Source) (string, error) {
	if src == nil {
		return "", errors.New("policy: source is required")
	}
	data, err := src.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("policy: read %s: %w", src.Name(), err)
	}
	label, rules, err := Parse(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	s.source = src
	if cur := s.current.Load(); cur != nil && cur.Digest == digest {
		return cur.Version, nil
	}
	s.seq++
	snap := &Snapshot{
		Version:  formatVersion(s.seq, label, digest),
		Label:    label,
		Seq:      s.seq,
		Digest:   digest,
		Source:   src.Name(),
		LoadedAt: s.now().UTC(),
		rules:    rules,
	}
	s.current.Store(snap)
	return snap.Version, nil
}

// Reload re-reads the last loaded source. A failed reload leaves the active
// snapshot untouched.
func (s *Store) Reload(ctx context.Context) (string, error) {
	if !s.allowReload {
		return "", ErrReloadDisabled
	}
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return "", ErrNotLoaded
	}
	return s.Load(ctx, src)
}

// ReloadAllowed reports whether Reload is enabled.
func (s *Store) ReloadAllowed() bool { return s.allowReload }

// Snapshot returns the active snapshot, or nil before the first load.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// CurrentVersion returns the active version or "" before the first load.
func (s *Store) CurrentVersion() string {
	if snap := s.current.Load(); snap != nil {
		return snap.Version
	}
	return ""
}

func formatVersion(seq uint64, label, digest string) string {
	if label == "" {
		return fmt.Sprintf("v%d-%s", seq, digest[:12])
	}
	return fmt.Sprintf("v%d-%s-%s", seq, label, digest[:12])
}
