package registration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"scanner-relay/internal/db"
	"scanner-relay/internal/model"
	"scanner-relay/internal/parse"
	"scanner-relay/internal/store"
)

// fakeDeliverer stands in for the replay engine. When offline it leaves messages queued.
type fakeDeliverer struct {
	mu      sync.Mutex
	st      store.Store
	offline bool
	err     error
	calls   []int64
}

func (f *fakeDeliverer) Deliver(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return false, f.err
	}
	if f.offline {
		return false, nil
	}
	pending, err := f.st.ListPendingMessages(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, m := range pending {
		if m.MessageID != id {
			continue
		}
		if err := f.st.MarkSent(ctx, id); err != nil {
			return false, err
		}
		if m.MessageType == model.MessageTypeDeviceRegistration {
			if _, err := f.st.SetDeviceStatus(ctx, m.DeviceID, []model.DeviceStatus{model.DeviceStatusPending}, model.DeviceStatusActive); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
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

func newMachine(t *testing.T, allowRefresh bool) (*Machine, store.Store, *fakeDeliverer) {
	t.Helper()
	st := newStore(t)
	d := &fakeDeliverer{st: st, offline: true}
	m := NewMachine(st, d, Options{
		Rules:        parse.Rules{RegistrationPrefix: "REG-", MinLen: 1, MaxLen: 64},
		AllowRefresh: allowRefresh,
	}, zap.NewNop())

	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("corr-%d", seq)
	}
	return m, st, d
}

func pending(t *testing.T, st store.Store) []model.OutboundMessage {
	t.Helper()
	msgs, err := st.ListPendingMessages(context.Background(), 0)
	require.NoError(t, err)
	return msgs
}

func TestHandle_RegistrationIsIdempotent(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	first, err := m.Handle(ctx, Input{Barcode: " REG-line-4\r\n"})
	require.NoError(t, err)
	assert.Equal(t, Registered, first.Kind)
	assert.Equal(t, "line-4", first.Device.DeviceID)
	assert.Equal(t, "REG-line-4", first.Device.RegistrationBarcode)
	assert.Equal(t, model.DeviceStatusPending, first.Device.Status)
	assert.False(t, first.Delivered)

	for i := 0; i < 3; i++ {
		again, err := m.Handle(ctx, Input{Barcode: "REG-line-4"})
		require.NoError(t, err)
		assert.Equal(t, AlreadyRegistered, again.Kind)
		assert.Zero(t, again.MessageID)
		assert.Equal(t, first.Device.RegisteredAt, again.Device.RegisteredAt)
	}

	// Same barcode with an explicit device id is also a no-op.
	again, err := m.Handle(ctx, Input{Barcode: "REG-line-4", DeviceID: "line-4"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyRegistered, again.Kind)

	msgs := pending(t, st)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageTypeDeviceRegistration, msgs[0].MessageType)
	p, err := msgs[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, "barcode_scan", p.RegistrationMethod)

	dev, err := st.GetDevice(ctx, "line-4")
	require.NoError(t, err)
	assert.Zero(t, dev.Quantity)
}

func TestHandle_RegistrationUnderExplicitID(t *testing.T) {
	m, st, _ := newMachine(t, false)

	out, err := m.Handle(context.Background(), Input{Barcode: "REG-0042", DeviceID: "station-a"})
	require.NoError(t, err)
	assert.Equal(t, Registered, out.Kind)
	assert.Equal(t, "station-a", out.Device.DeviceID)

	dev, err := st.FindDeviceByBarcode(context.Background(), "REG-0042")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "station-a", dev.DeviceID)

	// A later scan of the same token without an id resolves to the stored device.
	again, err := m.Handle(context.Background(), Input{Barcode: "REG-0042"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyRegistered, again.Kind)
	assert.Equal(t, "station-a", again.Device.DeviceID)
}

func TestHandle_ScansIncrementQuantity(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	_, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		out, err := m.Handle(ctx, Input{Barcode: "4006381333931", DeviceID: "dev-1"})
		require.NoError(t, err)
		assert.Equal(t, Scanned, out.Kind)
		assert.Equal(t, int64(i-1), *out.PreviousQuantity)
		assert.Equal(t, int64(i), *out.NewQuantity)
		assert.Equal(t, int64(i), out.Device.Quantity)
	}

	msgs := pending(t, st)
	require.Len(t, msgs, 4)
	for i, msg := range msgs[1:] {
		assert.Equal(t, model.MessageTypeQuantityUpdate, msg.MessageType)
		p, err := msg.Payload()
		require.NoError(t, err)
		assert.Equal(t, "4006381333931", p.Barcode)
		assert.Equal(t, int64(i), *p.PreviousQuantity)
		assert.Equal(t, int64(i+1), *p.NewQuantity)
	}
}

func TestHandle_Rejections(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"empty barcode", Input{Barcode: "  \r\n"}, model.ErrInvalidBarcode},
		{"control characters", Input{Barcode: "12\x0034"}, model.ErrInvalidBarcode},
		{"too long", Input{Barcode: strings.Repeat("9", 65)}, model.ErrInvalidBarcode},
		{"scan for unknown device", Input{Barcode: "123", DeviceID: "ghost"}, model.ErrNotRegistered},
		{"no usable device id", Input{Barcode: "***"}, model.ErrInvalidBarcode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Handle(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, pending(t, st))

	_, err := m.Handle(ctx, Input{Barcode: "REG-dev-9"})
	require.NoError(t, err)
	_, err = st.SetDeviceStatus(ctx, "dev-9", nil, model.DeviceStatusDisabled)
	require.NoError(t, err)
	_, err = m.Handle(ctx, Input{Barcode: "123", DeviceID: "dev-9"})
	assert.ErrorIs(t, err, model.ErrDeviceDisabled)
}

func TestHandle_RefreshCollapsesWhileQueued(t *testing.T) {
	m, st, d := newMachine(t, true)
	ctx := context.Background()

	reg, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err)

	out, err := m.Handle(ctx, Input{Barcode: "REG-dev-1", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, Refreshed, out.Kind)
	assert.Equal(t, reg.MessageID, out.MessageID, "pending registration absorbs the refresh")
	assert.Len(t, pending(t, st), 1)

	// Once delivered, a refresh queues a new registration message.
	d.offline = false
	ok, err := d.Deliver(ctx, reg.MessageID)
	require.NoError(t, err)
	require.True(t, ok)

	out, err = m.Handle(ctx, Input{Barcode: "REG-dev-1", DeviceID: "dev-1", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, Refreshed, out.Kind)
	assert.NotEqual(t, reg.MessageID, out.MessageID)
	assert.True(t, out.Delivered)
	assert.Equal(t, model.DeviceStatusActive, out.Device.Status)
}

func TestHandle_RefreshIgnoredWhenDisabled(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	_, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err)
	out, err := m.Handle(ctx, Input{Barcode: "REG-dev-1", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, AlreadyRegistered, out.Kind)
	assert.Len(t, pending(t, st), 1)
}

func TestHandle_DeliversImmediatelyWhenOnline(t *testing.T) {
	m, st, d := newMachine(t, false)
	d.offline = false
	ctx := context.Background()

	reg, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err)
	assert.True(t, reg.Delivered)
	assert.Equal(t, model.DeviceStatusActive, reg.Device.Status)

	scan, err := m.Handle(ctx, Input{Barcode: "555", DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.True(t, scan.Delivered)
	assert.Empty(t, pending(t, st))
	assert.Equal(t, []int64{reg.MessageID, scan.MessageID}, d.calls)
}

func TestHandle_DeliveryErrors(t *testing.T) {
	m, st, d := newMachine(t, false)
	ctx := context.Background()

	d.err = errors.New("hub unreachable")
	out, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err, "the event is durable even when delivery fails")
	assert.False(t, out.Delivered)
	assert.Len(t, pending(t, st), 1)

	d.err = errors.Join(model.ErrStorageCorruption, errors.New("disk I/O error"))
	_, err = m.Handle(ctx, Input{Barcode: "1", DeviceID: "dev-1"})
	assert.ErrorIs(t, err, model.ErrStorageCorruption)
}

func TestHandle_ConcurrentScansStayMonotonic(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	now := m.now
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now()
	}
	newID := m.newID
	m.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		return newID()
	}

	_, err := m.Handle(ctx, Input{Barcode: "REG-dev-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Handle(ctx, Input{Barcode: "777", DeviceID: "dev-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	dev, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), dev.Quantity)

	seen := map[int64]bool{}
	for _, msg := range pending(t, st)[1:] {
		p, err := msg.Payload()
		require.NoError(t, err)
		assert.Equal(t, *p.PreviousQuantity+1, *p.NewQuantity)
		assert.False(t, seen[*p.NewQuantity])
		seen[*p.NewQuantity] = true
	}
	assert.Len(t, seen, 10)
}

func TestRegisterAs_AcceptsAnyBarcode(t *testing.T) {
	m, st, _ := newMachine(t, false)
	ctx := context.Background()

	out, err := m.RegisterAs(ctx, " bench-2 ", "0000123", false)
	require.NoError(t, err)
	assert.Equal(t, Registered, out.Kind)
	assert.Equal(t, "bench-2", out.Device.DeviceID)

	// Same id with a different barcode keeps the original record.
	again, err := m.RegisterAs(ctx, "bench-2", "0000999", false)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRegistered, again.Kind)
	assert.Equal(t, "0000123", again.Device.RegistrationBarcode)
	assert.Len(t, pending(t, st), 1)

	// Afterwards the other barcode scans as a quantity event.
	scan, err := m.Handle(ctx, Input{Barcode: "0000999", DeviceID: "bench-2"})
	require.NoError(t, err)
	assert.Equal(t, Scanned, scan.Kind)
}
