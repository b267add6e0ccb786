package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
)

func TestMethodRegistry_CallRegistered(t *testing.T) {
	reg := NewMethodRegistry()
	reg.Register("double", func(ctx context.Context, params any) (any, error) {
		n := params.(float64)
		return n * 2, nil
	})

	result, err := reg.Call(context.Background(), "double", 21.0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result)
}

func TestMethodRegistry_CallUnknown(t *testing.T) {
	reg := NewMethodRegistry()
	_, err := reg.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, chimera.KindUnknownMethod, chimera.KindOf(err))
}

func TestMethodRegistry_Names(t *testing.T) {
	reg := NewMethodRegistry()
	reg.Register("a", func(ctx context.Context, params any) (any, error) { return nil, nil })
	reg.Register("b", func(ctx context.Context, params any) (any, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, reg.Names())
}
