// SPDX-License-Identifier: MIT

package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineRingTail(t *testing.T) {
	r := newLineRing(3)
	_, _ = r.Write([]byte("one\ntwo\n"))
	assert.Equal(t, []string{"one", "two"}, r.Tail(10))

	_, _ = r.Write([]byte("three\nfour\n"))
	assert.Equal(t, []string{"two", "three", "four"}, r.Tail(10))
	assert.Equal(t, []string{"four"}, r.Tail(1))
}

func TestLineRingContains(t *testing.T) {
	r := newLineRing(4)
	_, _ = r.Write([]byte("frame=  100\nPacket corrupt (stream = 0)\n"))
	assert.True(t, r.Contains("Packet corrupt"))
	assert.False(t, r.Contains("speed="))
}

func TestLineRingEmpty(t *testing.T) {
	r := newLineRing(4)
	assert.Empty(t, r.Tail(5))
}
