package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

const testMasterKey = "4d61737465724b65794d61737465724b65794d61737465724b65794d61737465"

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	keys, err := NewKeyring(1, map[int]string{1: testMasterKey})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return New(store, keys)
}

func commitN(t *testing.T, ldg *Ledger, tenant string, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		entry, err := ldg.Commit(context.Background(), tenant, ActionStageStarted, map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func collectChain(t *testing.T, ldg *Ledger, tenant, since string) []*Entry {
	t.Helper()
	var entries []*Entry
	for entry, err := range ldg.Chain(context.Background(), tenant, since) {
		if err != nil {
			t.Fatalf("chain: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestCommitLinksChain(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())

	entries := commitN(t, ldg, "acme-retail", 3)

	if entries[0].ParentID != nil {
		t.Fatalf("chain head has parent %s", *entries[0].ParentID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ParentID == nil {
			t.Fatalf("entry %d is missing its parent link", i)
		}
		if *entries[i].ParentID != entries[i-1].ID {
			t.Fatalf("entry %d parent = %s, want %s", i, *entries[i].ParentID, entries[i-1].ID)
		}
	}
	for _, entry := range entries {
		if entry.KeyVersion != 1 {
			t.Fatalf("key version = %d, want 1", entry.KeyVersion)
		}
		if entry.Signature == "" || entry.PayloadHash == "" {
			t.Fatal("entry committed without signature or payload hash")
		}
	}
}

func TestCommitRejectsInvalidInput(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())

	if _, err := ldg.Commit(context.Background(), "", ActionRunCreated, nil); err == nil {
		t.Fatal("commit accepted an empty tenant id")
	}
	if _, err := ldg.Commit(context.Background(), "acme-retail", ActionType("run_paused"), nil); err == nil {
		t.Fatal("commit accepted an unknown action type")
	}
}

func TestHashPayload(t *testing.T) {
	a, err := HashPayload(map[string]string{"goal": "reduce churn"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := HashPayload(map[string]string{"goal": "reduce churn"})
	if a != b {
		t.Fatal("identical payloads hashed differently")
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}

	c, _ := HashPayload(map[string]string{"goal": "reduce cost"})
	if a == c {
		t.Fatal("distinct payloads collided")
	}

	// Raw JSON is hashed byte for byte, not re-encoded.
	raw, _ := HashPayload(json.RawMessage(`{"goal":"reduce churn"}`))
	same, _ := HashPayload(json.RawMessage(`{"goal":"reduce churn"}`))
	if raw != same {
		t.Fatal("raw payloads hashed differently")
	}
}

func TestChainIteratorPagesThroughStore(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())
	// More than one iterator page so the paging path is exercised.
	committed := commitN(t, ldg, "acme-retail", chainPageSize+10)

	entries := collectChain(t, ldg, "acme-retail", "")
	if len(entries) != len(committed) {
		t.Fatalf("chain yielded %d entries, want %d", len(entries), len(committed))
	}
	for i, entry := range entries {
		if entry.ID != committed[i].ID {
			t.Fatalf("entry %d out of append order", i)
		}
	}

	// Resuming after a known entry skips everything up to and including it.
	tail := collectChain(t, ldg, "acme-retail", committed[len(committed)-3].ID)
	if len(tail) != 2 {
		t.Fatalf("resumed chain yielded %d entries, want 2", len(tail))
	}
	if tail[1].ID != committed[len(committed)-1].ID {
		t.Fatal("resumed chain did not end at the tail")
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())

	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.EntriesChecked != 0 {
		t.Fatalf("empty chain report = %+v", report)
	}
}

func TestVerifyIntactChain(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())
	commitN(t, ldg, "acme-retail", 12)

	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("intact chain reported broken: %s", report.Reason)
	}
	if report.EntriesChecked != 12 {
		t.Fatalf("checked %d entries, want 12", report.EntriesChecked)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	store := NewMemoryStore()
	ldg := newTestLedger(t, store)
	entries := commitN(t, ldg, "acme-retail", 5)

	if !store.Tamper("acme-retail", 2, func(e *Entry) {
		e.PayloadHash = strings.Repeat("0", 64)
	}) {
		t.Fatal("tamper target out of range")
	}

	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if report.BrokenAt == nil || *report.BrokenAt != entries[2].ID {
		t.Fatalf("broken at = %v, want %s", report.BrokenAt, entries[2].ID)
	}
	if report.Reason != "signature verification failed" {
		t.Fatalf("reason = %q", report.Reason)
	}
	if report.EntriesChecked != 3 {
		t.Fatalf("checked %d entries, want 3 (stop at the break)", report.EntriesChecked)
	}
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	store := NewMemoryStore()
	ldg := newTestLedger(t, store)
	entries := commitN(t, ldg, "acme-retail", 4)

	rogue := "rogue-parent"
	store.Tamper("acme-retail", 3, func(e *Entry) {
		e.ParentID = &rogue
	})

	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("relinked chain reported valid")
	}
	if *report.BrokenAt != entries[3].ID {
		t.Fatalf("broken at %s, want %s", *report.BrokenAt, entries[3].ID)
	}
	if !strings.Contains(report.Reason, "parent mismatch") {
		t.Fatalf("reason = %q", report.Reason)
	}
}

func TestVerifyAcrossKeyRotation(t *testing.T) {
	store := NewMemoryStore()
	oldKeys, _ := NewKeyring(1, map[int]string{1: testMasterKey})
	commitN(t, New(store, oldKeys), "acme-retail", 3)

	rotated := strings.Repeat("ef", 32)
	newKeys, err := NewKeyring(2, map[int]string{1: testMasterKey, 2: rotated})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	ldg := New(store, newKeys)
	entry, err := ldg.Commit(context.Background(), "acme-retail", ActionRunCompleted, nil)
	if err != nil {
		t.Fatalf("commit after rotation: %v", err)
	}
	if entry.KeyVersion != 2 {
		t.Fatalf("key version = %d, want 2", entry.KeyVersion)
	}

	// Old entries verify under their recorded version, new ones under the
	// current version.
	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("rotated chain reported broken: %s", report.Reason)
	}
	if report.EntriesChecked != 4 {
		t.Fatalf("checked %d entries, want 4", report.EntriesChecked)
	}
}

func TestVerifyUnknownKeyVersion(t *testing.T) {
	store := NewMemoryStore()
	commitN(t, newTestLedger(t, store), "acme-retail", 2)

	// A keyring that dropped the retired master cannot verify its entries.
	truncated, _ := NewKeyring(2, map[int]string{2: strings.Repeat("ef", 32)})
	report, err := New(store, truncated).Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("chain verified without its signing key")
	}
	if !strings.Contains(report.Reason, "unknown key version") {
		t.Fatalf("reason = %q", report.Reason)
	}
}

func TestIntegrityCounts(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	mustCommit := func(action ActionType) {
		t.Helper()
		if _, err := ldg.Commit(ctx, "acme-retail", action, nil); err != nil {
			t.Fatalf("commit %s: %v", action, err)
		}
	}
	mustCommit(ActionRunCreated)
	mustCommit(ActionStageStarted)
	mustCommit(ActionStageCompleted)
	mustCommit(ActionStageStarted)
	mustCommit(ActionStageFailed)
	mustCommit(ActionRunFailed)

	counts, err := ldg.Integrity(ctx, "acme-retail")
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	want := map[ActionType]int64{
		ActionRunCreated:     1,
		ActionStageStarted:   2,
		ActionStageCompleted: 1,
		ActionStageFailed:    1,
		ActionRunFailed:      1,
	}
	for action, n := range want {
		if counts[action] != n {
			t.Errorf("%s count = %d, want %d", action, counts[action], n)
		}
	}
}

func TestConcurrentCommitsNeverFork(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := ldg.Commit(context.Background(), "acme-retail", ActionStageStarted, nil); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	entries := collectChain(t, ldg, "acme-retail", "")
	if len(entries) != writers*perWriter {
		t.Fatalf("chain has %d entries, want %d", len(entries), writers*perWriter)
	}
	report, err := ldg.Verify(context.Background(), "acme-retail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("concurrent chain reported broken: %s", report.Reason)
	}
}

func TestTenantChainsAreIndependent(t *testing.T) {
	ldg := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	// Interleave commits across two tenants.
	for i := 0; i < 5; i++ {
		if _, err := ldg.Commit(ctx, "acme-retail", ActionStageStarted, nil); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if _, err := ldg.Commit(ctx, "rival-corp", ActionStageCompleted, nil); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	for _, tenant := range []string{"acme-retail", "rival-corp"} {
		entries := collectChain(t, ldg, tenant, "")
		if len(entries) != 5 {
			t.Fatalf("%s chain has %d entries, want 5", tenant, len(entries))
		}
		for _, entry := range entries {
			if entry.TenantID != tenant {
				t.Fatalf("entry %s leaked into %s's chain", entry.ID, tenant)
			}
		}
		report, err := ldg.Verify(ctx, tenant)
		if err != nil {
			t.Fatalf("verify %s: %v", tenant, err)
		}
		if !report.Valid {
			t.Fatalf("%s chain broken: %s", tenant, report.Reason)
		}
	}
}
