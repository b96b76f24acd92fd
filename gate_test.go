package creditgate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/quota"
)

type recordingMeter struct {
	mu       sync.Mutex
	reserves []cg.ReserveEvent
	settles  []cg.SettleEvent
	executes []cg.ExecuteEvent
}

func (m *recordingMeter) OnReserve(e cg.ReserveEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = append(m.reserves, e)
}

func (m *recordingMeter) OnSettle(e cg.SettleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles = append(m.settles, e)
}

func (m *recordingMeter) OnExecute(e cg.ExecuteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executes = append(m.executes, e)
}

func succeed(calls *atomic.Int32) cg.Operation[string] {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "report", nil
	}
}

// A guest gets three successful calls; the fourth is refused without running op.
func TestGate_GuestExhaustsCredits(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	gate := cg.NewGate[string](svc)
	ctx := context.Background()

	var calls atomic.Int32
	for i := range 3 {
		out, err := gate.Execute(ctx, guest, "", succeed(&calls))
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, "report", out)
		assert.Equal(t, int64(2-i), balance(t, svc, guest))
	}

	_, err := gate.Execute(ctx, guest, "", succeed(&calls))
	require.ErrorIs(t, err, cg.ErrInsufficientQuota)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(0), balance(t, svc, guest))
}

func TestGate_FailedOperationIsRefunded(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	meter := &recordingMeter{}
	gate := cg.NewGate[string](svc, cg.WithGateMeter(meter))
	upstream := errors.New("model overloaded")

	_, err := gate.Execute(context.Background(), user, "", func(context.Context) (string, error) {
		return "", upstream
	})
	require.ErrorIs(t, err, cg.ErrExternalOpFailed)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, int64(10), balance(t, svc, user))

	require.Len(t, meter.executes, 1)
	assert.False(t, meter.executes[0].Success)
}

// Two callers race for the last credit: one runs, the other is refused.
func TestGate_ConcurrentCallsOnLastCredit(t *testing.T) {
	cfg := testQuotaConfig()
	cfg.AnonymousGrant = 1
	svc := newTestService(t, cfg)
	gate := cg.NewGate[string](svc)
	ctx := context.Background()

	release := make(chan struct{})
	results := make(chan error, 2)
	var calls atomic.Int32
	for range 2 {
		go func() {
			_, err := gate.Execute(ctx, guest, "", func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "report", nil
			})
			results <- err
		}()
	}

	// The winner is parked in its operation, so the first result is the loser.
	first := <-results
	require.ErrorIs(t, first, cg.ErrInsufficientQuota)
	close(release)
	require.NoError(t, <-results)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), balance(t, svc, guest))
}

func TestGate_TimeoutRefunds(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	gate := cg.NewGate[string](svc, cg.WithOperationTimeout(20*time.Millisecond))

	_, err := gate.Execute(context.Background(), user, "", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, cg.ErrExternalOpFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(10), balance(t, svc, user))
}

func TestGate_CallerCancellationRefunds(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	gate := cg.NewGate[string](svc)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	_, err := gate.Execute(ctx, user, "", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, cg.ErrExternalOpFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(10), balance(t, svc, user))
}

func TestGate_PanicIsRefunded(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	gate := cg.NewGate[string](svc)

	_, err := gate.Execute(context.Background(), guest, "", func(context.Context) (string, error) {
		panic("boom")
	})
	require.ErrorIs(t, err, cg.ErrExternalOpFailed)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int64(3), balance(t, svc, guest))
}

func TestGate_ErrorCarriesAccount(t *testing.T) {
	svc := newTestService(t, testQuotaConfig())
	gate := cg.NewGate[string](svc)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := gate.Execute(ctx, user, "req-7", succeed(&calls))
	require.NoError(t, err)

	_, err = gate.Execute(ctx, user, "req-7", succeed(&calls))
	require.ErrorIs(t, err, cg.ErrDuplicateReservation)

	var gerr *cg.GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, user.ID, gerr.AccountID)
	assert.Equal(t, cg.KindAuthenticated, gerr.Kind)
	assert.NotEmpty(t, gerr.ReservationID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(9), balance(t, svc, user))
}

func TestGate_MetersSuccess(t *testing.T) {
	meter := &recordingMeter{}
	svc := newTestService(t, testQuotaConfig(), cg.WithServiceMeter(meter))
	gate := cg.NewGate[string](svc, cg.WithGateMeter(meter))

	var calls atomic.Int32
	_, err := gate.Execute(context.Background(), guest, "", succeed(&calls))
	require.NoError(t, err)

	require.Len(t, meter.reserves, 1)
	assert.NoError(t, meter.reserves[0].Error)
	assert.Equal(t, int64(2), meter.reserves[0].Balance)

	require.Len(t, meter.settles, 1)
	assert.Equal(t, cg.OutcomeCommitted, meter.settles[0].Outcome)

	require.Len(t, meter.executes, 1)
	assert.True(t, meter.executes[0].Success)
	assert.Equal(t, meter.reserves[0].ReservationID, meter.executes[0].ReservationID)
}

// failingCommits fails every transition into Committed.
type failingCommits struct {
	cg.ReservationStore
}

func (f failingCommits) Transition(ctx context.Context, id string, from, to cg.ReservationState, at time.Time) (cg.Reservation, error) {
	if to == cg.StateCommitted {
		return cg.Reservation{}, errBackend
	}
	return f.ReservationStore.Transition(ctx, id, from, to, at)
}

func TestGate_CommitFailureWithholdsResultAndSweepRefunds(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testQuotaConfig(),
		cg.WithReservationStore(failingCommits{quota.NewMemoryReservations()}),
		cg.WithClock(clock.Now),
	)
	gate := cg.NewGate[string](svc)
	ctx := context.Background()

	var calls atomic.Int32
	out, err := gate.Execute(ctx, user, "", succeed(&calls))
	require.ErrorIs(t, err, cg.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, cg.ErrExternalOpFailed)
	assert.Empty(t, out)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(9), balance(t, svc, user))

	clock.Advance(svc.ReservationTimeout() + time.Second)
	n, err := svc.SweepAbandoned(ctx, svc.ReservationTimeout())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10), balance(t, svc, user))
}
