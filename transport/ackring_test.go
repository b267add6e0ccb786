package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckRing_RecordAndDedupe(t *testing.T) {
	ring := NewAckRing(3)

	assert.True(t, ring.Record("a"))
	assert.False(t, ring.Record("a")) // duplicate
	assert.True(t, ring.Seen("a"))
	assert.False(t, ring.Seen("z"))
}

func TestAckRing_EvictsOldest(t *testing.T) {
	ring := NewAckRing(2)

	ring.Record("a")
	ring.Record("b")
	ring.Record("c") // evicts "a"

	assert.False(t, ring.Seen("a"))
	assert.True(t, ring.Seen("b"))
	assert.True(t, ring.Seen("c"))
	assert.Equal(t, 2, ring.Len())
}

func TestAckRing_DefaultSize(t *testing.T) {
	ring := NewAckRing(0)
	for i := 0; i < 150; i++ {
		ring.Record(fmt.Sprintf("uuid-%d", i))
	}
	assert.Equal(t, defaultAckRingSize, ring.Len())
}
