// Package ledger implements the decision ledger: an append-only, hash-chained,
// HMAC-signed audit log of significant kernel actions. Each tenant owns an
// independent chain; commits within one chain are strictly serialized so the
// chain never forks. Entries are only ever appended, never updated or deleted.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionType identifies the kernel action a ledger entry records.
type ActionType string

const (
	// ActionRunCreated records the admission of a new run.
	ActionRunCreated ActionType = "run_created"

	// ActionStageStarted records the start of a stage attempt.
	ActionStageStarted ActionType = "stage_started"

	// ActionStageCompleted records a successful stage attempt.
	ActionStageCompleted ActionType = "stage_completed"

	// ActionStageFailed records a failed stage attempt.
	ActionStageFailed ActionType = "stage_failed"

	// ActionRunCompleted records a run reaching the completed status.
	ActionRunCompleted ActionType = "run_completed"

	// ActionRunFailed records a run reaching the failed status.
	ActionRunFailed ActionType = "run_failed"

	// ActionRunCancelled records a run reaching the cancelled status.
	ActionRunCancelled ActionType = "run_cancelled"

	// ActionManualOverride records a privileged human decision.
	ActionManualOverride ActionType = "manual_override"
)

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	switch a {
	case ActionRunCreated, ActionStageStarted, ActionStageCompleted, ActionStageFailed,
		ActionRunCompleted, ActionRunFailed, ActionRunCancelled, ActionManualOverride:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", a)
	}
}

// Entry is one append-only ledger record. ParentID links it to the previous
// entry of the same tenant, forming a per-tenant hash chain; it is nil for the
// chain head.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"entry_id"`

	// TenantID identifies the chain this entry belongs to.
	TenantID string `json:"tenant_id"`

	// ParentID is the preceding entry in the tenant's chain, nil for the head.
	ParentID *string `json:"parent_entry_id,omitempty"`

	// Action is the kernel action this entry records.
	Action ActionType `json:"action_type"`

	// PayloadHash is the SHA-256 digest of the associated run/stage content.
	PayloadHash string `json:"payload_hash"`

	// KeyVersion is the keyring version this entry was signed under.
	KeyVersion int `json:"key_version"`

	// Signature is the HMAC-SHA256 over parent id, payload hash, and timestamp.
	Signature string `json:"hmac_signature"`

	// CreatedAt is the commit timestamp, part of the signed preimage.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists ledger entries. Implementations must preserve append order
// per tenant and must never mutate stored entries.
type Store interface {
	// AppendEntry persists a committed entry.
	AppendEntry(ctx context.Context, entry *Entry) error

	// TailEntry returns the latest entry of a tenant's chain, or nil when the
	// chain is empty.
	TailEntry(ctx context.Context, tenantID string) (*Entry, error)

	// ChainPage returns up to limit entries of a tenant's chain in append
	// order, starting after the entry with the given ID (or from the head when
	// afterID is empty).
	ChainPage(ctx context.Context, tenantID, afterID string, limit int) ([]*Entry, error)

	// CountByAction returns per-action entry counts for a tenant.
	CountByAction(ctx context.Context, tenantID string) (map[ActionType]int64, error)
}

// chainPageSize is the page size used by the lazy chain iterator.
const chainPageSize = 256

// Ledger provides commit, chain-read, and verification over per-tenant chains.
type Ledger struct {
	store Store
	keys  *Keyring
	clock func() time.Time

	mu     sync.Mutex
	chains map[string]*tenantChain
}

// tenantChain serializes commits for one tenant and caches the chain tail.
type tenantChain struct {
	mu     sync.Mutex
	tail   *Entry
	loaded bool
}

// New creates a ledger over the given store and keyring.
func New(store Store, keys *Keyring) *Ledger {
	return &Ledger{
		store:  store,
		keys:   keys,
		clock:  time.Now,
		chains: make(map[string]*tenantChain),
	}
}

// chain returns the tenant's commit serializer, creating it on first touch.
func (l *Ledger) chain(tenantID string) *tenantChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chains[tenantID]
	if !ok {
		c = &tenantChain{}
		l.chains[tenantID] = c
	}
	return c
}

// Commit hashes the payload, signs a new entry against the tenant's chain
// tail, and appends it. Commits for a single tenant are strictly serialized;
// commits for different tenants proceed independently.
func (l *Ledger) Commit(ctx context.Context, tenantID string, action ActionType, payload any) (*Entry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("ledger commit requires a tenant id")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	payloadHash, err := HashPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash ledger payload: %w", err)
	}

	c := l.chain(tenantID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tail, err := l.store.TailEntry(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain tail: %w", err)
		}
		c.tail = tail
		c.loaded = true
	}

	entry := &Entry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Action:      action,
		PayloadHash: payloadHash,
		KeyVersion:  l.keys.CurrentVersion(),
		CreatedAt:   l.clock().UTC(),
	}
	if c.tail != nil {
		parent := c.tail.ID
		entry.ParentID = &parent
	}

	signature, err := l.sign(entry)
	if err != nil {
		return nil, err
	}
	entry.Signature = signature

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	c.tail = entry
	return entry, nil
}

// Chain returns a lazy, restartable sequence of a tenant's entries in append
// order, starting after sinceID (or from the head when sinceID is empty).
// Iteration stops at the first store error, yielded as the second value.
func (l *Ledger) Chain(ctx context.Context, tenantID, sinceID string) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		after := sinceID
		for {
			page, err := l.store.ChainPage(ctx, tenantID, after, chainPageSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read chain page: %w", err))
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < chainPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Integrity returns the per-action entry counts for a tenant, a lightweight
// aggregate for dashboard checks that avoids walking full payloads.
func (l *Ledger) Integrity(ctx context.Context, tenantID string) (map[ActionType]int64, error) {
	return l.store.CountByAction(ctx, tenantID)
}

// sign computes the entry signature: HMAC-SHA256 over the parent entry id,
// the payload hash, and the commit timestamp, keyed by the tenant's derived
// key for the entry's key version.
func (l *Ledger) sign(entry *Entry) (string, error) {
	key, err := l.keys.TenantKey(entry.TenantID, entry.KeyVersion)
	if err != nil {
		return "", fmt.Errorf("failed to derive signing key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signaturePreimage(entry))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// signaturePreimage builds the signed byte sequence for an entry. The chain
// head signs an empty parent id.
func signaturePreimage(entry *Entry) []byte {
	parent := ""
	if entry.ParentID != nil {
		parent = *entry.ParentID
	}
	return []byte(parent + "\x1f" + entry.PayloadHash + "\x1f" + entry.CreatedAt.UTC().Format(time.RFC3339Nano))
}

// HashPayload computes the hex SHA-256 digest of a payload's JSON encoding.
func HashPayload(payload any) (string, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		raw = encoded
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
