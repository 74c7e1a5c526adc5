package store

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode(func(c string) bool { return seen[c] })
		require.NoError(t, err)
		require.Len(t, code, PairingCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(PairingCodeAlphabet, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestGenerateCodeGivesUp(t *testing.T) {
	_, err := GenerateCode(func(string) bool { return true })
	require.Error(t, err)
}

func TestValidateChannel(t *testing.T) {
	for _, ok := range []string{"telegram", "telegram-mtproto", "signal"} {
		assert.NoError(t, ValidateChannel(ok), ok)
	}
	for _, bad := range []string{"", "../etc", "Tele gram", "a/b"} {
		err := ValidateChannel(bad)
		assert.ErrorIs(t, err, ErrInvalidChannel, bad)
	}
}

func TestStoreIOError(t *testing.T) {
	err := error(&StoreIOError{Op: "write", Path: "/x/telegram-pairing.json", Err: os.ErrPermission})
	assert.True(t, IsStoreIOError(err))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Contains(t, err.Error(), "telegram-pairing.json")
	assert.False(t, IsStoreIOError(errors.New("other")))
}

func TestPairingOptions(t *testing.T) {
	o := PairingOptions{}.WithDefaults()
	assert.Equal(t, DefaultMaxPending, o.MaxPending)
	now := time.Now()
	assert.False(t, o.Expired(now.Add(-59*time.Minute), now))
	assert.True(t, o.Expired(now.Add(-time.Hour), now))
}

func TestMergeMeta(t *testing.T) {
	got := MergeMeta(map[string]string{"a": "1", "b": "2"}, map[string]string{"b": "3", "c": ""})
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, got)
	assert.Nil(t, MergeMeta(nil, nil))
	assert.Equal(t, "X", NormalizeCode("  x "))
	assert.Equal(t, "ABCD2345", NormalizeCode("abcd2345"))
}
