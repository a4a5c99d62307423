package services

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) (pubHex string, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return hex.EncodeToString(pub), priv
}

func signPayload(priv ed25519.PrivateKey, payload []byte, nonce uint64) string {
	return hex.EncodeToString(ed25519.Sign(priv, SigningDigest(payload, nonce)))
}

func TestVerifyAction(t *testing.T) {
	pubHex, priv := testKeypair(t)
	v := NewEd25519Verifier()

	action := &models.SignedAction{
		CasterID: "alice",
		PlayerID: "alice",
		SpellID:  "fireball",
		CastInfo: []byte(`{"target":"bob"}`),
		Nonce:    7,
	}
	payload := ActionPayload(action)
	action.Signature = signPayload(priv, payload, action.Nonce)

	assert.True(t, v.Verify(pubHex, payload, action.Nonce, action.Signature))
}

func TestVerifyRejectsTamperedNonce(t *testing.T) {
	pubHex, priv := testKeypair(t)
	v := NewEd25519Verifier()

	payload := []byte("alice|fireball|")
	sig := signPayload(priv, payload, 7)

	assert.False(t, v.Verify(pubHex, payload, 8, sig), "signature must bind the nonce")
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pubHex, priv := testKeypair(t)
	v := NewEd25519Verifier()

	sig := signPayload(priv, []byte("alice|fireball|"), 1)

	assert.False(t, v.Verify(pubHex, []byte("alice|meteor|"), 1, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := testKeypair(t)
	otherPub, _ := testKeypair(t)
	v := NewEd25519Verifier()

	payload := []byte("alice|fireball|")
	sig := signPayload(priv, payload, 1)

	assert.False(t, v.Verify(otherPub, payload, 1, sig))
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	v := NewEd25519Verifier()

	assert.False(t, v.Verify("not-hex", []byte("x"), 1, "also-not-hex"))
	assert.False(t, v.Verify("abcd", []byte("x"), 1, "abcd"), "short key and signature")
}
