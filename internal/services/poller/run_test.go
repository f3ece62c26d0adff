package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	calls atomic.Int32
}

func (r *fakeRepo) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	r.calls.Add(1)
	return []*models.Delivery{}, nil
}

func TestPoller_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	p := New(repo, &fakeSource{}, &fakeProducer{}, nil, "topic").
		WithSettings(10*time.Millisecond, 1, 1, time.Minute, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Greater(t, repo.calls.Load(), int32(0))
}

func TestPoller_Trigger_ForcesCycle(t *testing.T) {
	repo := &fakeRepo{}
	p := New(repo, &fakeSource{}, &fakeProducer{}, nil, "topic").
		WithSettings(time.Hour, 1, 1, time.Minute, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	p.Trigger()
	require.Eventually(t, func() bool { return repo.calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	st := p.Stats()
	require.NotNil(t, st.LastTriggerAt)

	cancel()
	<-done
}
