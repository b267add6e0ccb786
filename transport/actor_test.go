package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_SerializesTasks(t *testing.T) {
	a := NewActor("test", 0)
	a.Run(context.Background())
	defer a.Stop()

	var mu sync.Mutex
	order := make([]int, 0, 10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Submit(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, order, 10)
}

func TestActor_ReturnsValueAndError(t *testing.T) {
	a := NewActor("test", 0)
	a.Run(context.Background())
	defer a.Stop()

	v, err := a.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := context.DeadlineExceeded
	_, err = a.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.Equal(t, boom, err)
}

func TestActor_StopDrainsQueuedTasks(t *testing.T) {
	a := NewActor("test", 8)
	a.Run(context.Background())

	block := make(chan struct{})
	go a.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	a.cancel()
	close(block)
	a.wg.Wait()

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued task was never drained")
	}
}
