package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests. The version suffix leaves room for a future
// change of encoding without colliding with existing digests.
const (
	DomainSnapshot = "sift/snapshot/v1"
	DomainBatch    = "sift/batch/v1"
)

// hashWithDomain returns hex(SHA256(domain + 0x00 + data)).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content digest of a snapshot value. Equal snapshots
// have equal digests.
func Digest(v any) (string, error) {
	return DigestWithDomain(DomainSnapshot, v)
}

// DigestWithDomain is Digest under an explicit domain prefix.
func DigestWithDomain(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(domain, data), nil
}

// MustDigest is Digest that panics on error. Use only for values known to
// encode, such as committed snapshots.
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(err)
	}
	return d
}

// DigestBytes returns the snapshot digest of data, which must already be
// canonical JSON produced by Marshal.
func DigestBytes(data []byte) string {
	return hashWithDomain(DomainSnapshot, data)
}
