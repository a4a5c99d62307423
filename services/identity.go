// services/identity.go
package services

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/ZkNoid/wizard-battle-sub004/models"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleNonce       = errors.New("stale or replayed nonce")
	ErrSpellOnCooldown  = errors.New("spell on cooldown")
)

// Verifier checks a player-supplied signature over a payload and nonce.
// Gameplay code treats it as a pure function; key management lives with the
// wallet collaborator.
type Verifier interface {
	Verify(pubKeyHex string, payload []byte, nonce uint64, sigHex string) bool
}

// Ed25519Verifier verifies signatures over sha256(payload || nonce).
type Ed25519Verifier struct{}

func NewEd25519Verifier() Ed25519Verifier { return Ed25519Verifier{} }

func (Ed25519Verifier) Verify(pubKeyHex string, payload []byte, nonce uint64, sigHex string) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), SigningDigest(payload, nonce), sig)
}

// SigningDigest is the message both clients and server sign/verify:
// sha256 over the payload followed by the big-endian nonce.
func SigningDigest(payload []byte, nonce uint64) []byte {
	h := sha256.New()
	h.Write(payload)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return h.Sum(nil)
}

// ActionPayload is the byte string covered by a SignedAction's signature.
func ActionPayload(a *models.SignedAction) []byte {
	payload := []byte(a.CasterID + "|" + a.SpellID + "|")
	return append(payload, a.CastInfo...)
}

// TrustedStatePayload is the byte string covered by a TrustedState's
// signature. Only the commitment is signed; the public state is checked
// against it client-side.
func TrustedStatePayload(ts *models.TrustedState) []byte {
	return []byte(ts.PlayerID + "|" + ts.StateCommitment)
}
