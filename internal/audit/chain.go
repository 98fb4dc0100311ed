package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the prev_hash of the first entry in a stream.
var GenesisHash = strings.Repeat("0", 64)

// Supported digest algorithms.
const (
	HashSHA256  = "sha256"
	HashBlake2b = "blake2b-256"
)

// Entry is one immutable record in the decision chain.
type Entry struct {
	ID                string         `json:"id"`
	Seq               int64          `json:"seq"`
	Timestamp         time.Time      `json:"ts"`
	ActorID           string         `json:"actor_id"`
	ActorRole         string         `json:"actor_role,omitempty"`
	Action            string         `json:"action"`
	ResourceType      string         `json:"resource_type"`
	ResourceID        string         `json:"resource_id,omitempty"`
	TenantRootID      string         `json:"tenant_root_id,omitempty"`
	Decision          string         `json:"decision"`
	Reason            string         `json:"reason"`
	MatchedRule       string         `json:"matched_rule,omitempty"`
	CorrelationID     string         `json:"correlation_id"`
	PolicyVersion     string         `json:"policy_version,omitempty"`
	BreakGlass        bool           `json:"bg"`
	BreakGlassExpires *time.Time     `json:"bg_expires_at,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	PrevHash          string         `json:"prev_hash"`
	Hash              string         `json:"hash"`
	HashAlg           string         `json:"hash_alg"`
}

// hashedEntry fixes field order for hashing. Hash itself is excluded.
type hashedEntry struct {
	ID                string         `json:"id"`
	Seq               int64          `json:"seq"`
	Timestamp         string         `json:"ts"`
	ActorID           string         `json:"actor_id"`
	ActorRole         string         `json:"actor_role"`
	Action            string         `json:"action"`
	ResourceType      string         `json:"resource_type"`
	ResourceID        string         `json:"resource_id"`
	TenantRootID      string         `json:"tenant_root_id"`
	Decision          string         `json:"decision"`
	Reason            string         `json:"reason"`
	MatchedRule       string         `json:"matched_rule"`
	CorrelationID     string         `json:"correlation_id"`
	PolicyVersion     string         `json:"policy_version"`
	BreakGlass        bool           `json:"bg"`
	BreakGlassExpires string         `json:"bg_expires_at"`
	Context           map[string]any `json:"context"`
	PrevHash          string         `json:"prev_hash"`
	HashAlg           string         `json:"hash_alg"`
}

func canonical(e Entry) ([]byte, error) {
	h := hashedEntry{
		ID:            e.ID,
		Seq:           e.Seq,
		Timestamp:     formatTime(e.Timestamp),
		ActorID:       e.ActorID,
		ActorRole:     e.ActorRole,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		TenantRootID:  e.TenantRootID,
		Decision:      e.Decision,
		Reason:        e.Reason,
		MatchedRule:   e.MatchedRule,
		CorrelationID: e.CorrelationID,
		PolicyVersion: e.PolicyVersion,
		BreakGlass:    e.BreakGlass,
		Context:       e.Context,
		PrevHash:      e.PrevHash,
		HashAlg:       e.HashAlg,
	}
	if e.BreakGlassExpires != nil {
		h.BreakGlassExpires = formatTime(*e.BreakGlassExpires)
	}
	if h.Context == nil {
		h.Context = map[string]any{}
	}
	// encoding/json sorts map keys, so the context renders deterministically.
	return json.Marshal(h)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case "", HashSHA256:
		return sha256.New(), nil
	case HashBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("audit: unsupported hash algorithm %q", alg)
	}
}

// ComputeHash returns H(prev_hash || canonical(entry)).
func ComputeHash(e Entry) (string, error) {
	payload, err := canonical(e)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	h, err := newHasher(e.HashAlg)
	if err != nil {
		return "", err
	}
	h.Write([]byte(e.PrevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHashAlg reports whether alg is supported.
func ValidHashAlg(alg string) bool {
	_, err := newHasher(alg)
	return err == nil
}
