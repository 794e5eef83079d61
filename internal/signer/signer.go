// Package signer assembles the canonical per-peer transitive signature
// message and produces/verifies ECDSA P-256 signatures over it.
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// MessageLen is the canonical message size. The original C source
// allocates a 22-byte buffer but then writes the 4-byte prefix field
// starting at offset 21, overrunning it by 3 bytes — an observable bug
// in the source this implementation does not reproduce. This
// implementation sizes the buffer to fit every field it actually
// writes: 25 bytes, with prefix occupying offsets 21-24.
const MessageLen = 25

// MaxSignatureLen bounds a DER-encoded P-256 ECDSA signature.
const MaxSignatureLen = 72

// CanonicalMessage assembles the fixed-layout buffer signed for a
// single (peer, update) pair:
//
//	offset 0  (4 bytes): otcField
//	offset 4  (4 bytes): prevASN
//	offset 8  (4 bytes): currentASN
//	offset 12 (4 bytes): nextASN
//	offset 16 (4 bytes): timestamp
//	offset 20 (1 byte):  prefixLen
//	offset 21 (4 bytes): prefix
func CanonicalMessage(otcField, prevASN, currentASN, nextASN, timestamp uint32, prefixLen uint8, prefix [4]byte) []byte {
	buf := make([]byte, MessageLen)
	binary.BigEndian.PutUint32(buf[0:4], otcField)
	binary.BigEndian.PutUint32(buf[4:8], prevASN)
	binary.BigEndian.PutUint32(buf[8:12], currentASN)
	binary.BigEndian.PutUint32(buf[12:16], nextASN)
	binary.BigEndian.PutUint32(buf[16:20], timestamp)
	buf[20] = prefixLen
	copy(buf[21:25], prefix[:])
	return buf
}

// ErrSignatureTooLong is returned when a DER signature exceeds MaxSignatureLen.
var ErrSignatureTooLong = errors.New("signer: signature exceeds 72 bytes")

// Signer holds the private key used to mint transitive signatures.
type Signer struct {
	priv *ecdsa.PrivateKey
}

// New wraps an existing P-256 private key.
func New(priv *ecdsa.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// GenerateKey creates a fresh P-256 (secp256r1) key pair, for tests
// and for standing up a signer with no on-disk key material.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign hashes msg with SHA-256 and signs it with ECDSA P-256, returning
// a DER-encoded signature no longer than MaxSignatureLen.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	hash := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, hash[:])
	if err != nil {
		return nil, err
	}
	if len(sig) > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}
	return sig, nil
}

// PublicKey returns the signer's public key, for distribution to
// verifiers.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.priv.PublicKey
}

// Verify checks sig against msg under pub.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	hash := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, hash[:], sig)
}
