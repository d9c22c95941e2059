package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// hkdfSalt namespaces ledger key derivation from any other use of the master key.
var hkdfSalt = []byte("decisio/ledger/v1")

// Keyring holds the master signing keys for the ledger. Every entry records the
// key version it was signed under; retired masters are retained read-only so
// verification keeps working across a rotation. Per-tenant keys are derived
// with HKDF-SHA256, so one tenant's key never signs another tenant's chain.
type Keyring struct {
	masters map[int][]byte
	current int
}

// NewKeyring creates a keyring from hex-encoded master keys indexed by version.
// The current version must be present in the map.
func NewKeyring(current int, masters map[int]string) (*Keyring, error) {
	if len(masters) == 0 {
		return nil, fmt.Errorf("keyring requires at least one master key")
	}
	decoded := make(map[int][]byte, len(masters))
	for version, hexKey := range masters {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("master key version %d is not valid hex: %w", version, err)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("master key version %d is too short: %d bytes", version, len(key))
		}
		decoded[version] = key
	}
	if _, ok := decoded[current]; !ok {
		return nil, fmt.Errorf("current key version %d not present in keyring", current)
	}
	return &Keyring{masters: decoded, current: current}, nil
}

// CurrentVersion returns the version new commits are signed under.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Versions returns all known key versions in ascending order.
func (k *Keyring) Versions() []int {
	versions := make([]int, 0, len(k.masters))
	for v := range k.masters {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// TenantKey derives the per-tenant signing key for a key version.
func (k *Keyring) TenantKey(tenantID string, version int) ([]byte, error) {
	master, ok := k.masters[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d", version)
	}

	// The info binds both tenant and version, so rotating to a version that
	// reuses master bytes still yields a fresh tenant key.
	info := []byte("tenant:" + tenantID + ":v" + strconv.Itoa(version))
	reader := hkdf.New(sha256.New, master, hkdfSalt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive tenant key: %w", err)
	}
	return key, nil
}
