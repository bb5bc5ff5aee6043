package cipher

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/internal/models"
	"docsync/internal/syncerr"
)

func testKeys(t *testing.T, n int) map[int][]byte {
	t.Helper()
	keys := map[int][]byte{}
	for v := 1; v <= n; v++ {
		keys[v] = bytes.Repeat([]byte{byte(v)}, KeySize)
	}
	return keys
}

func testCipher(t *testing.T, n int, opts ...Option) *Cipher {
	t.Helper()
	ring, err := NewKeyring(testKeys(t, n))
	require.NoError(t, err)
	return New(ring, opts...)
}

func TestEncryptDecryptRoundTripAcrossKeyHistory(t *testing.T) {
	payloads := []map[string]any{
		{},
		{"access_token": "abc", "refresh_token": "def"},
		{"nested": map[string]any{"a": "b"}, "list": []any{"x", "y"}, "n": float64(3)},
	}
	for keys := 1; keys <= 4; keys++ {
		c := testCipher(t, keys)
		for _, p := range payloads {
			rec, err := c.Encrypt(p)
			require.NoError(t, err)
			require.Equal(t, keys, rec.KeyVersion)

			got, err := c.Decrypt(rec)
			require.NoError(t, err)
			require.Equal(t, p, got)
		}
	}
}

func TestDecryptWithHistoricalKey(t *testing.T) {
	old := testCipher(t, 1)
	rec, err := old.Encrypt(map[string]any{"token": "v1"})
	require.NoError(t, err)

	current := testCipher(t, 3)
	got, err := current.Decrypt(rec)
	require.NoError(t, err)
	require.Equal(t, "v1", got["token"])
}

func TestDecryptFailsWhenNoKeyMatches(t *testing.T) {
	c := testCipher(t, 2)
	rec, err := c.Encrypt(map[string]any{"token": "x"})
	require.NoError(t, err)

	other, err := NewKeyring(map[int][]byte{1: bytes.Repeat([]byte{9}, KeySize)})
	require.NoError(t, err)
	_, err = New(other).Decrypt(rec)
	require.True(t, syncerr.IsKind(err, syncerr.KindDecryption))

	rec.Ciphertext = rec.Ciphertext[:4]
	_, err = c.Decrypt(rec)
	require.True(t, syncerr.IsKind(err, syncerr.KindDecryption))
}

func TestNeedsRotation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := testCipher(t, 2, WithClock(func() time.Time { return now }))

	require.True(t, c.NeedsRotation(models.EncryptedPayload{KeyVersion: 1, EncryptedAt: now}))
	require.False(t, c.NeedsRotation(models.EncryptedPayload{KeyVersion: 2, EncryptedAt: now.Add(-89 * 24 * time.Hour)}))
	require.True(t, c.NeedsRotation(models.EncryptedPayload{KeyVersion: 2, EncryptedAt: now.Add(-91 * 24 * time.Hour)}))

	short := testCipher(t, 2, WithClock(func() time.Time { return now }), WithRotationWindow(time.Hour))
	require.True(t, short.NeedsRotation(models.EncryptedPayload{KeyVersion: 2, EncryptedAt: now.Add(-2 * time.Hour)}))
}

func TestRotateIsIdempotent(t *testing.T) {
	old := testCipher(t, 1)
	rec, err := old.Encrypt(map[string]any{"token": "x"})
	require.NoError(t, err)

	c := testCipher(t, 2)
	rotated, err := c.Rotate(rec)
	require.NoError(t, err)
	require.Equal(t, 2, rotated.KeyVersion)
	require.False(t, c.NeedsRotation(rotated))

	again, err := c.Rotate(rotated)
	require.NoError(t, err)
	require.Equal(t, rotated, again)

	got, err := c.Decrypt(again)
	require.NoError(t, err)
	require.Equal(t, "x", got["token"])
}

func TestNewKeyringRejectsGapsAndBadKeys(t *testing.T) {
	_, err := NewKeyring(nil)
	require.Error(t, err)

	keys := testKeys(t, 3)
	delete(keys, 2)
	_, err = NewKeyring(keys)
	require.ErrorContains(t, err, "missing version 2")

	_, err = NewKeyring(map[int][]byte{1: []byte("short")})
	require.Error(t, err)

	_, err = NewKeyring(map[int][]byte{0: bytes.Repeat([]byte{1}, KeySize)})
	require.Error(t, err)
}
