package chimera

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanApply_CreateNode(t *testing.T) {
	next, idempotent, ok := CanApply(CmdCreateNode, Registered)
	assert.True(t, ok)
	assert.False(t, idempotent)
	assert.Equal(t, Initialized, next)
}

func TestCanApply_InvalidPrecondition(t *testing.T) {
	_, _, ok := CanApply(CmdRecord, Connected)
	assert.False(t, ok)
}

func TestCanApply_DuplicateIsIdempotent(t *testing.T) {
	next, idempotent, ok := CanApply(CmdCreateNode, Initialized)
	assert.True(t, ok)
	assert.True(t, idempotent)
	assert.Equal(t, Initialized, next)
}

func TestCanApply_Gather(t *testing.T) {
	_, _, ok := CanApply(CmdGather, Previewing)
	assert.True(t, ok)

	_, _, ok = CanApply(CmdGather, Connected)
	assert.False(t, ok)
}

func TestCanApply_DestroyFromAnyPhase(t *testing.T) {
	for _, p := range []Phase{Registered, Initialized, Connected, Previewing, Recording, Stopped, Saved} {
		next, _, ok := CanApply(CmdDestroyNode, p)
		assert.True(t, ok)
		assert.Equal(t, Shutdown, next)
	}
}

func TestGlobalState_PointwiseMinimum(t *testing.T) {
	assert.Equal(t, Connected, GlobalState([]Phase{Connected, Previewing, Recording}))
	assert.Equal(t, Registered, GlobalState(nil))
}

func TestIsMonotonic(t *testing.T) {
	assert.True(t, IsMonotonic(Connected, Previewing))
	assert.False(t, IsMonotonic(Previewing, Connected))
	assert.True(t, IsMonotonic(Recording, Error))
	assert.True(t, IsMonotonic(Recording, Registered)) // explicit reset
}
