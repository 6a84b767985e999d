//go:build linux

package tun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullTerminatedString(t *testing.T) {
	b := make([]byte, 16)
	copy(b, "l3roam0")

	assert.Equal(t, "l3roam0", nullTerminatedString(b))
}

func TestNullTerminatedString_noTrailingZero(t *testing.T) {
	b := []byte("abcd")

	assert.Equal(t, "abcd", nullTerminatedString(b))
}
