// Package securerandom provides cryptographically secure random values
package securerandom

import (
	crand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Source produces uniform values in [0, 1). The sampler consumes it so tests can
// substitute a deterministic sequence.
type Source interface {
	Float64() float64
}

// SourceFunc adapts a function to Source
type SourceFunc func() float64

// Float64 implements Source
func (f SourceFunc) Float64() float64 { return f() }

// Crypto is the Source backed by crypto/rand
var Crypto Source = SourceFunc(Float64)

// Float64 returns a uniform value in [0, 1) drawn from crypto/rand.
// Falls back to 0 if the system source fails, which never suppresses a sampled report
// at a configured rate above zero.
func Float64() float64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0
	}
	// 53 random bits mapped onto the float64 mantissa
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// ID generates a random hex ID of the specified byte length
func ID(byteLen int) (string, error) {
	b, err := Bytes(byteLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MustID generates a random ID or panics
// Use only in initialization or when failure is unrecoverable
func MustID(byteLen int) string {
	id, err := ID(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.ID failed: %v", err))
	}
	return id
}

// Bytes generates cryptographically secure random bytes
func Bytes(byteLen int) ([]byte, error) {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
