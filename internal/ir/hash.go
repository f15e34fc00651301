package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// leaves room for an algorithm migration.
const (
	DomainTopology    = "tokenline/topology/v1"
	DomainConfig      = "tokenline/config/v1"
	DomainError       = "tokenline/error/v1"
	DomainPayload     = "tokenline/payload/v1"
	DomainForkGroup   = "tokenline/fork-group/v1"
	DomainExpandGroup = "tokenline/expand-group/v1"
	DomainJoinGroup   = "tokenline/join-group/v1"
	DomainGraph       = "tokenline/graph/v1"
)

// FingerprintLen is the length of every hex-encoded SHA-256 fingerprint.
const FingerprintLen = 64

// hashWithDomain computes SHA256(domain || 0x00 || data). The null byte
// keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under domain.
func Hash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustHash is like Hash but panics. Use only with inputs known to be valid.
func MustHash(domain string, v any) string {
	h, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}

// ErrorHash is the stable hash of an error classification. Two failures
// with the same class aggregate under the same hash regardless of their
// free-text messages.
func ErrorHash(class string) string {
	return hashWithDomain(DomainError, []byte(class))
}

// ForkGroupID derives the fork group shared by the children of parent
// forked at node.
func ForkGroupID(parentTokenID, nodeID string) string {
	return MustHash(DomainForkGroup, IRObject{
		"node_id":  IRString(nodeID),
		"token_id": IRString(parentTokenID),
	})
}

// ExpandGroupID derives the expand group shared by the children of parent
// expanded at node.
func ExpandGroupID(parentTokenID, nodeID string) string {
	return MustHash(DomainExpandGroup, IRObject{
		"node_id":  IRString(nodeID),
		"token_id": IRString(parentTokenID),
	})
}

// JoinGroupID derives the join group for a fork group arriving at a
// coalesce node.
func JoinGroupID(coalesceNodeID, forkGroupID string) string {
	return MustHash(DomainJoinGroup, IRObject{
		"fork_group_id": IRString(forkGroupID),
		"node_id":       IRString(coalesceNodeID),
	})
}

// IsFingerprint reports whether s looks like a hex SHA-256 digest.
func IsFingerprint(s string) bool {
	if len(s) != FingerprintLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
