package event

import (
	"golang.org/x/crypto/blake2b"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent = "evgraph/event/v1"
)

// hashWithDomain computes a BLAKE2b-256 hash with domain separation.
// Format: BLAKE2b-256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Hash {
	buf := make([]byte, 0, len(domain)+1+len(data))
	buf = append(buf, domain...)
	buf = append(buf, 0x00)
	buf = append(buf, data...)
	return Hash(blake2b.Sum256(buf))
}
