package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryMatching(t *testing.T) {
	err := New(VaultPoolAmountExceeded)

	assert.EqualError(t, err, "Vault: poolAmount exceeded")
	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))
	assert.False(t, errors.Is(err, ErrSlippage))
	assert.True(t, errors.Is(err, New(VaultPoolAmountExceeded)))

	wrapped := fmt.Errorf("execute: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientLiquidity))
	assert.Equal(t, VaultPoolAmountExceeded, CodeOf(wrapped))
	assert.Equal(t, InsufficientLiquidity, CategoryOf(wrapped))
	assert.Equal(t, Code(0), CodeOf(errors.New("plain")))
}

func TestTableOverrides(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(KlpCooldownNotPassed, "wait a day"))

	err := tbl.Err(KlpCooldownNotPassed)
	assert.EqualError(t, err, "wait a day")
	assert.ErrorIs(t, err, ErrCooldownNotElapsed)

	require.NoError(t, tbl.Set(KlpCooldownNotPassed, ""))
	assert.Equal(t, "KlpManager: cooldown duration not yet passed", tbl.Message(KlpCooldownNotPassed))

	assert.Error(t, tbl.Set(Code(9999), "nope"))
}

func TestEveryCodeHasCategory(t *testing.T) {
	for _, c := range Codes() {
		assert.NotZero(t, c.Category(), "code %d", c)
		assert.NotEmpty(t, Default.Message(c), "code %d", c)
	}
}
