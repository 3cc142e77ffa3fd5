package seal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var master = bytes.Repeat([]byte{7}, 32)

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := DeriveKey(master, "tenant-secrets")
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("postgres://u:p@h/db"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "postgres")

	out, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h/db", string(out))
}

func TestOpen_WrongKeyOrTampered(t *testing.T) {
	a, err := DeriveKey(master, "machine:app-a")
	require.NoError(t, err)
	b, err := DeriveKey(master, "machine:app-b")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "info must separate keys")

	sealed, err := Seal(a, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(b, sealed)
	assert.ErrorIs(t, err, ErrOpen)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(a, sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = Open(a, []byte("short"))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestDeriveKey_ShortMaster(t *testing.T) {
	_, err := DeriveKey([]byte("short"), "x")
	assert.Error(t, err)
}
