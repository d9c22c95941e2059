package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// VerificationReport is the result of walking a tenant's chain from the head.
// A broken chain is a finding for operators; the ledger never repairs itself.
type VerificationReport struct {
	// TenantID is the chain that was verified.
	TenantID string `json:"tenant_id"`

	// Valid is true when every entry links to its parent and every signature
	// recomputes correctly.
	Valid bool `json:"valid"`

	// EntriesChecked is the number of entries examined, including the broken
	// one when the chain is invalid.
	EntriesChecked int `json:"entries_checked"`

	// BrokenAt is the ID of the first entry that failed verification.
	// Every entry from this point forward is tamper-suspect.
	BrokenAt *string `json:"broken_at,omitempty"`

	// Reason describes why verification failed.
	Reason string `json:"reason,omitempty"`
}

// Verify walks a tenant's chain from the head, confirming parent linkage and
// recomputing every signature under the key version each entry records.
// It returns the first broken link, if any. An empty chain is valid.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (*VerificationReport, error) {
	report := &VerificationReport{TenantID: tenantID, Valid: true}

	var prev *Entry
	for entry, err := range l.Chain(ctx, tenantID, "") {
		if err != nil {
			return nil, err
		}
		report.EntriesChecked++

		if reason := l.verifyEntry(entry, prev); reason != "" {
			id := entry.ID
			report.Valid = false
			report.BrokenAt = &id
			report.Reason = reason
			return report, nil
		}
		prev = entry
	}

	return report, nil
}

// verifyEntry checks one entry against its predecessor. It returns an empty
// string when the entry is intact, otherwise the failure reason.
func (l *Ledger) verifyEntry(entry, prev *Entry) string {
	switch {
	case prev == nil && entry.ParentID != nil:
		return fmt.Sprintf("chain head references parent %s", *entry.ParentID)
	case prev != nil && entry.ParentID == nil:
		return "entry is missing its parent link"
	case prev != nil && *entry.ParentID != prev.ID:
		return fmt.Sprintf("parent mismatch: recorded %s, expected %s", *entry.ParentID, prev.ID)
	}

	key, err := l.keys.TenantKey(entry.TenantID, entry.KeyVersion)
	if err != nil {
		return fmt.Sprintf("unknown key version %d", entry.KeyVersion)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(signaturePreimage(entry))
	expected := mac.Sum(nil)

	recorded, err := hex.DecodeString(entry.Signature)
	if err != nil || !hmac.Equal(expected, recorded) {
		return "signature verification failed"
	}
	return ""
}
