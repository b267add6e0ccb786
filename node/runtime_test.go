package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
)

type fakeBody struct {
	setupCalls    int
	teardownCalls int
	stepCalls     int
}

func (b *fakeBody) Setup(ctx context.Context) error {
	b.setupCalls++
	return nil
}

func (b *fakeBody) Step(ctx context.Context) (chimera.Sample, error) {
	b.stepCalls++
	return chimera.Sample{ProducerID: "test"}, nil
}

func (b *fakeBody) Teardown(ctx context.Context) error {
	b.teardownCalls++
	return nil
}

func newTestRuntime(t *testing.T) (*Runtime, context.Context) {
	t.Helper()
	body := &fakeBody{}
	r := NewRuntime("node-1", body, nil)
	ctx := context.Background()
	r.actor.Run(ctx)
	t.Cleanup(r.actor.Stop)
	return r, ctx
}

func TestRuntime_StartTransitionsConnectedToPreviewing(t *testing.T) {
	r, ctx := newTestRuntime(t)
	r.phase.Store(int32(chimera.Connected))

	_, err := r.handleStartNodes(ctx, chimera.MessageEnvelope{Signal: chimera.SignalStartNodes})
	require.NoError(t, err)
	assert.Equal(t, chimera.Previewing, r.Phase())
	r.stopStepLoop()
}

func TestRuntime_StartRejectedFromRegistered(t *testing.T) {
	r, ctx := newTestRuntime(t)

	_, err := r.handleStartNodes(ctx, chimera.MessageEnvelope{Signal: chimera.SignalStartNodes})
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
	assert.Equal(t, chimera.Registered, r.Phase())
}

func TestRuntime_GatherLegalFromPreviewingOnward(t *testing.T) {
	r, ctx := newTestRuntime(t)
	r.phase.Store(int32(chimera.Previewing))

	_, err := r.handleRequestGather(ctx, chimera.MessageEnvelope{Signal: chimera.SignalRequestGather})
	assert.NoError(t, err)

	r.phase.Store(int32(chimera.Connected))
	_, err = r.handleRequestGather(ctx, chimera.MessageEnvelope{Signal: chimera.SignalRequestGather})
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestRuntime_StopThenCollect(t *testing.T) {
	r, ctx := newTestRuntime(t)
	r.phase.Store(int32(chimera.Recording))

	_, err := r.handleStopNodes(ctx, chimera.MessageEnvelope{Signal: chimera.SignalStopNodes})
	require.NoError(t, err)
	assert.Equal(t, chimera.Stopped, r.Phase())

	_, err = r.handleRequestCollect(ctx, chimera.MessageEnvelope{Signal: chimera.SignalRequestCollect})
	require.NoError(t, err)
	assert.Equal(t, chimera.Saved, r.Phase())

	body := r.body.(*fakeBody)
	assert.Equal(t, 1, body.teardownCalls)
}

func TestRuntime_RequestMethodDispatch(t *testing.T) {
	r, ctx := newTestRuntime(t)
	r.Methods().Register("ping", func(ctx context.Context, params any) (any, error) {
		return "pong", nil
	})

	reply, err := r.handleRequestMethod(ctx, chimera.MessageEnvelope{
		Signal: chimera.SignalRequestMethod,
		Data:   map[string]any{"name": "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}
