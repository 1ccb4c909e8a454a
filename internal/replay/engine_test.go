package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"scanner-relay/internal/db"
	"scanner-relay/internal/dispatch"
	"scanner-relay/internal/model"
	"scanner-relay/internal/store"
)

// fakeSender records deliveries and fails devices listed in down.
type fakeSender struct {
	mu        sync.Mutex
	delivered []*model.OutboundMessage
	down      map[string]bool
	hook      func(msg *model.OutboundMessage)
}

func (f *fakeSender) Send(_ context.Context, msg *model.OutboundMessage) dispatch.Result {
	if f.hook != nil {
		f.hook(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[msg.DeviceID] {
		return dispatch.Result{Kind: dispatch.KindDelivery, Detail: "hub unreachable"}
	}
	f.delivered = append(f.delivered, msg)
	return dispatch.Result{Success: true}
}

func (f *fakeSender) setDown(deviceID string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = map[string]bool{}
	}
	f.down[deviceID] = down
}

func (f *fakeSender) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, m := range f.delivered {
		ids = append(ids, m.MessageID)
	}
	return ids
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	dsn, err := db.SQLiteDSN(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return store.NewGormStore(gormDB)
}

var clock = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func register(t *testing.T, st store.Store, deviceID string) int64 {
	t.Helper()
	clock = clock.Add(time.Millisecond)
	msg, err := model.NewOutboundMessage(deviceID, model.MessageTypeDeviceRegistration,
		model.Payload{Barcode: "REG-" + deviceID, RegistrationMethod: "barcode_scan"}, clock, uuid.NewString())
	require.NoError(t, err)
	res, err := st.RegisterDevice(context.Background(), model.Device{DeviceID: deviceID, RegistrationBarcode: "REG-" + deviceID}, msg)
	require.NoError(t, err)
	return res.MessageID
}

func scan(t *testing.T, st store.Store, deviceID, barcode string) int64 {
	t.Helper()
	clock = clock.Add(time.Millisecond)
	at := clock
	res, err := st.RecordScan(context.Background(), deviceID, func(prev, next int64) (*model.OutboundMessage, error) {
		return model.NewOutboundMessage(deviceID, model.MessageTypeQuantityUpdate, model.Payload{
			Barcode: barcode, PreviousQuantity: model.Int64(prev), NewQuantity: model.Int64(next),
		}, at, uuid.NewString())
	})
	require.NoError(t, err)
	return res.MessageID
}

func newEngine(st store.Store, sender Sender) *Engine {
	return New(st, sender, nil, Options{
		Interval:       time.Hour,
		BatchSize:      2,
		Lease:          time.Minute,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
		StuckThreshold: 2,
	}, zap.NewNop())
}

func TestBackoff(t *testing.T) {
	e := New(nil, nil, nil, Options{BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}, zap.NewNop())
	assert.Equal(t, time.Duration(0), e.Backoff(0))
	assert.Equal(t, 2*time.Second, e.Backoff(1))
	assert.Equal(t, 4*time.Second, e.Backoff(2))
	assert.Equal(t, 16*time.Second, e.Backoff(4))
	assert.Equal(t, 30*time.Second, e.Backoff(5))
	assert.Equal(t, 30*time.Second, e.Backoff(500))
}

func TestFlushAll_FIFOPerDevice(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	e := newEngine(st, sender)

	reg := register(t, st, "dev-1")
	q1 := scan(t, st, "dev-1", "111")
	other := register(t, st, "dev-2")
	q2 := scan(t, st, "dev-1", "222")

	rep, err := e.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 4, Sent: 4}, rep)
	assert.Equal(t, []int64{reg, q1, other, q2}, sender.ids())

	n, err := st.CountPendingMessages(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)

	dev, err := st.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusActive, dev.Status)
}

func TestOnDelivered_FiresOnlyForSentMessages(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	sender.setDown("dev-2", true)
	e := newEngine(st, sender)

	var delivered []int64
	e.OnDelivered = func(msg model.OutboundMessage) { delivered = append(delivered, msg.MessageID) }

	reg := register(t, st, "dev-1")
	register(t, st, "dev-2")

	_, err := e.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{reg}, delivered)

	q := scan(t, st, "dev-1", "111")
	ok, err := e.Deliver(context.Background(), q)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{reg, q}, delivered)
}

func TestFlushAll_FailedDeviceDoesNotBlockOthers(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	sender.setDown("dev-1", true)
	e := newEngine(st, sender)

	var stuck []model.OutboundMessage
	e.OnStuck = func(msg model.OutboundMessage) { stuck = append(stuck, msg) }

	reg1 := register(t, st, "dev-1")
	scan(t, st, "dev-1", "111")
	reg2 := register(t, st, "dev-2")

	rep, err := e.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []int64{reg2}, sender.ids())

	pending, err := st.ListPendingMessages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, reg1, pending[0].MessageID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Zero(t, pending[1].RetryCount, "the scan behind a failed registration must not be attempted")
	assert.Empty(t, pending[1].LeaseOwner)

	// Second failure reaches the stuck threshold.
	_, err = e.FlushAll(context.Background())
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, reg1, stuck[0].MessageID)
	assert.Equal(t, 2, stuck[0].RetryCount)

	// Hub recovers; registration goes first.
	sender.setDown("dev-1", false)
	rep, err = e.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	ids := sender.ids()
	assert.Equal(t, reg1, ids[1])
}

func TestCycle_RespectsBackoffWhenNotForced(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	sender.setDown("dev-1", true)
	e := newEngine(st, sender)
	e.now = func() time.Time { return clock }

	register(t, st, "dev-1")
	_, err := e.FlushAll(context.Background())
	require.NoError(t, err)

	sender.setDown("dev-1", false)
	rep, err := e.drain(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)
}

func TestDeliver_OnlyHeadOfQueue(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	e := newEngine(st, sender)

	reg := register(t, st, "dev-1")
	q1 := scan(t, st, "dev-1", "111")

	ok, err := e.Deliver(context.Background(), q1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Deliver(context.Background(), reg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Deliver(context.Background(), q1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Deliver(context.Background(), reg)
	require.NoError(t, err)
	assert.False(t, ok, "already delivered")
}

func TestConcurrentFlushesNeverDoubleSend(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{hook: func(*model.OutboundMessage) {
		time.Sleep(2 * time.Millisecond)
	}}

	for _, id := range []string{"a", "b", "c"} {
		register(t, st, id)
		for i := 0; i < 3; i++ {
			scan(t, st, id, "x")
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := newEngine(st, sender)
			_, err := e.FlushAll(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Anything left behind by racing drains is picked up by a final flush.
	_, err := newEngine(st, sender).FlushAll(context.Background())
	require.NoError(t, err)

	ids := sender.ids()
	seen := map[int64]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "message %d sent twice", id)
		seen[id] = true
	}
	assert.Len(t, ids, 12)
}

func TestRun_WakeDrainsAndStopsOnCancel(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	var online atomic.Bool
	e := New(st, sender, online.Load, Options{Interval: 10 * time.Millisecond, BatchSize: 10}, zap.NewNop())

	register(t, st, "dev-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	// Offline: interval cycles do nothing.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.ids())

	e.Wake()
	require.Eventually(t, func() bool { return len(sender.ids()) == 1 }, time.Second, 5*time.Millisecond)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, 1, stats.TotalSent)

	// Online: interval cycles pick up new work.
	online.Store(true)
	scan(t, st, "dev-1", "111")
	require.Eventually(t, func() bool { return len(sender.ids()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.False(t, e.running.Load())
}

// failingStore turns every claim into a storage failure.
type failingStore struct {
	store.Store
}

func (failingStore) ClaimDueMessages(context.Context, store.ClaimRequest) ([]model.OutboundMessage, error) {
	return nil, errors.Join(model.ErrStorageCorruption, errors.New("disk full"))
}

func TestStorageFailureIsFatal(t *testing.T) {
	e := newEngine(failingStore{}, &fakeSender{})
	var fatal error
	e.OnFatal = func(err error) { fatal = err }

	_, err := e.FlushAll(context.Background())
	assert.ErrorIs(t, err, model.ErrStorageCorruption)
	assert.ErrorIs(t, fatal, model.ErrStorageCorruption)
}

func TestNew_DispatchTimeoutFitsInsideLease(t *testing.T) {
	e := New(nil, nil, nil, Options{Lease: 100 * time.Millisecond, DispatchTimeout: time.Second}, zap.NewNop())
	assert.Equal(t, 50*time.Millisecond, e.opts.DispatchTimeout)

	e = New(nil, nil, nil, Options{Lease: time.Minute, DispatchTimeout: 5 * time.Second}, zap.NewNop())
	assert.Equal(t, 5*time.Second, e.opts.DispatchTimeout)
}

// hangingSender blocks every send until its context ends and tracks overlapping sends.
type hangingSender struct {
	mu       sync.Mutex
	inflight map[int64]int
	overlap  bool
	attempts atomic.Int32
}

func (s *hangingSender) Send(ctx context.Context, msg *model.OutboundMessage) dispatch.Result {
	s.attempts.Add(1)
	s.mu.Lock()
	s.inflight[msg.MessageID]++
	if s.inflight[msg.MessageID] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.inflight[msg.MessageID]--
	s.mu.Unlock()
	return dispatch.Result{Kind: dispatch.KindDelivery, Detail: ctx.Err().Error()}
}

func TestSlowSendIsNeverOverlappedByAnotherDrain(t *testing.T) {
	st := newStore(t)
	register(t, st, "dev-1")
	sender := &hangingSender{inflight: map[int64]int{}}

	opts := Options{Interval: time.Hour, BatchSize: 5, Lease: 100 * time.Millisecond, DispatchTimeout: time.Second}
	deadline := time.Now().Add(400 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := New(st, sender, nil, opts, zap.NewNop())
			for time.Now().Before(deadline) {
				_, err := e.FlushAll(context.Background())
				assert.NoError(t, err)
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, sender.attempts.Load(), int32(1))
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.False(t, sender.overlap, "a message was sent by two drains at once")
}
