package services

import (
	"encoding/hex"
	"testing"

	"table-settlement-system/models"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

// signPersonal produces a wallet-style r||s||v hex signature over message and
// returns it with the signer's address.
func signPersonal(t *testing.T, message string) (signature, address string) {
	t.Helper()

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	// SignCompact puts the recovery flag first; wallets put it last.
	compact := ecdsa.SignCompact(key, personalHash(message), false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]

	h := sha3.NewLegacyKeccak256()
	h.Write(key.PubKey().SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(sig), "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

func TestRecoverSigner_Roundtrip(t *testing.T) {
	message := challengePrefix + "deadbeef"
	signature, address := signPersonal(t, message)

	recovered, err := RecoverSigner(message, signature)
	require.NoError(t, err)
	assert.Equal(t, address, recovered)
}

func TestRecoverSigner_Malformed(t *testing.T) {
	badRecovery := append(make([]byte, 64), 9) // recovery id must be 0/1 or 27/28
	for name, sig := range map[string]string{
		"not hex":      "0xzzzz",
		"too short":    "0xdeadbeef",
		"bad recovery": "0x" + hex.EncodeToString(badRecovery),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := RecoverSigner("hello", sig)
			assert.Error(t, err)
		})
	}
}

func TestCompleteLink(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	nonce, err := svc.BeginLink("alice")
	require.NoError(t, err)
	require.Len(t, nonce, 64, "32 random bytes hex-encoded")

	signature, address := signPersonal(t, challengePrefix+nonce)

	linked, err := svc.CompleteLink("alice", address, signature)
	require.NoError(t, err)
	assert.Equal(t, address, linked)

	var link models.WalletLink
	require.NoError(t, db.First(&link, "identity_id = ?", "alice").Error)
	assert.Equal(t, address, link.WalletAddress)
	assert.Nil(t, link.PendingNonce, "nonce is consumed on success")
	assert.NotNil(t, link.LinkedAt)
}

func TestCompleteLink_Replay(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	nonce, err := svc.BeginLink("alice")
	require.NoError(t, err)
	signature, address := signPersonal(t, challengePrefix+nonce)

	_, err = svc.CompleteLink("alice", address, signature)
	require.NoError(t, err)

	_, err = svc.CompleteLink("alice", address, signature)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestCompleteLink_BadSignatureKeepsNonce(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	nonce, err := svc.BeginLink("alice")
	require.NoError(t, err)

	_, err = svc.CompleteLink("alice", "0xabc", "0xnothex")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var link models.WalletLink
	require.NoError(t, db.First(&link, "identity_id = ?", "alice").Error)
	require.NotNil(t, link.PendingNonce)
	assert.Equal(t, nonce, *link.PendingNonce)
	assert.Empty(t, link.WalletAddress)

	// The surviving challenge still completes.
	signature, address := signPersonal(t, challengePrefix+nonce)
	linked, err := svc.CompleteLink("alice", address, signature)
	require.NoError(t, err)
	assert.Equal(t, address, linked)
}

func TestCompleteLink_AddressMismatchKeepsNonce(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	nonce, err := svc.BeginLink("alice")
	require.NoError(t, err)

	// A well-formed signature over the right nonce by the wrong key: the
	// recovered address differs from the claimed one and the link must be
	// refused with the challenge intact.
	signature, realAddress := signPersonal(t, challengePrefix+nonce)
	_, err = svc.CompleteLink("alice", "0x0000000000000000000000000000000000000001", signature)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var link models.WalletLink
	require.NoError(t, db.First(&link, "identity_id = ?", "alice").Error)
	require.NotNil(t, link.PendingNonce)
	assert.Empty(t, link.WalletAddress)

	linked, err := svc.CompleteLink("alice", realAddress, signature)
	require.NoError(t, err)
	assert.Equal(t, realAddress, linked)
}

func TestCompleteLink_NoChallenge(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	_, err := svc.CompleteLink("alice", "0xabc", "0x00")
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestBeginLink_OverwritesPendingNonce(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	first, err := svc.BeginLink("alice")
	require.NoError(t, err)
	second, err := svc.BeginLink("alice")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// A signature over the overwritten challenge recovers an address that
	// cannot match the claimed one, so only the most recent challenge is
	// valid — and the failed attempt must not consume it.
	staleSig, staleAddr := signPersonal(t, challengePrefix+first)
	_, err = svc.CompleteLink("alice", staleAddr, staleSig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var link models.WalletLink
	require.NoError(t, db.First(&link, "identity_id = ?", "alice").Error)
	require.NotNil(t, link.PendingNonce)
	assert.Equal(t, second, *link.PendingNonce)

	freshSig, address := signPersonal(t, challengePrefix+second)
	linked, err := svc.CompleteLink("alice", address, freshSig)
	require.NoError(t, err)
	assert.Equal(t, address, linked)
}

func TestBeginLink_RelinkAfterComplete(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	nonce, err := svc.BeginLink("alice")
	require.NoError(t, err)
	sig, firstAddr := signPersonal(t, challengePrefix+nonce)
	_, err = svc.CompleteLink("alice", firstAddr, sig)
	require.NoError(t, err)

	// Re-linking replaces the stored address with the new signer's.
	nonce, err = svc.BeginLink("alice")
	require.NoError(t, err)
	sig, secondAddr := signPersonal(t, challengePrefix+nonce)
	linked, err := svc.CompleteLink("alice", secondAddr, sig)
	require.NoError(t, err)

	require.NotEqual(t, firstAddr, secondAddr)
	assert.Equal(t, secondAddr, linked)

	var count int64
	db.Model(&models.WalletLink{}).Where("identity_id = ?", "alice").Count(&count)
	assert.Equal(t, int64(1), count)
}
