package sdfserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NoSpace, errors.New("no online disk"))
	assert.True(t, Is(err, NoSpace))
	assert.False(t, Is(err, Busy))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), IO))
}

func TestFatalInvokesOnFatal(t *testing.T) {
	var got error
	old := OnFatal
	OnFatal = func(err error) { got = err }
	defer func() { OnFatal = old }()

	Fatal("resume without matching yield for chunk %d", 7)

	assert.Error(t, got)
	assert.True(t, Is(got, Internal))
}
