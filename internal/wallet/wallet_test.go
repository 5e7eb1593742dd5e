package wallet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Well-known test vector key, never used with real funds.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "correct horse")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptRejectsWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "right")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestEncryptRejectsBadKeyMaterial(t *testing.T) {
	_, err := EncryptKey("not-hex", "pw")
	require.Error(t, err)

	_, err = EncryptKey("deadbeef", "pw") // too short
	require.Error(t, err)

	_, err = EncryptKey(testKeyHex, "")
	require.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestLoadKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestLoadKeyWithNoSourceFails(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestKeySignerDerivesStableAddress(t *testing.T) {
	s1, err := NewKeySigner(testKeyHex)
	require.NoError(t, err)
	s2, err := NewKeySigner("0x" + testKeyHex)
	require.NoError(t, err)

	assert.Equal(t, s1.Address(), s2.Address())
	assert.True(t, strings.HasPrefix(s1.Address(), "0x"))
}

func TestSignPayloadProducesRecoverableSignature(t *testing.T) {
	s, err := NewKeySigner(testKeyHex)
	require.NoError(t, err)

	sig, err := s.SignPayload([]byte("unsigned swap bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	// 65 bytes hex-encoded plus the prefix.
	assert.Len(t, sig, 2+65*2)
}

func TestResolverLifecycle(t *testing.T) {
	ctx := context.Background()
	custodial, err := NewKeySigner(testKeyHex)
	require.NoError(t, err)
	r := NewResolver(custodial)

	owner, err := r.ResolveOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, custodial.Address(), owner.Address())

	// Custodial address always resolves.
	got, err := r.ResolveAddress(ctx, custodial.Address())
	require.NoError(t, err)
	assert.Equal(t, custodial.Address(), got.Address())

	eph, err := r.NewEphemeral(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, custodial.Address(), eph.Address())

	got, err = r.ResolveAddress(ctx, eph.Address())
	require.NoError(t, err)
	assert.Equal(t, eph.Address(), got.Address())

	require.NoError(t, r.Discard(ctx, eph.Address()))
	_, err = r.ResolveAddress(ctx, eph.Address())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// Discarding twice is a no-op.
	require.NoError(t, r.Discard(ctx, eph.Address()))
}
