package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testScheduleMapping(n int) MappingConfig {
	cfg := MappingConfig{}
	names := []string{"m0", "m1", "m2", "m3", "m4"}
	attrs := []string{"a0", "a1", "a2", "a3", "a4"}
	for i := 0; i < n; i++ {
		cfg.Measurements = append(cfg.Measurements, MeasurementConfig{
			Name:      names[i],
			Slot:      uint16(i),
			Kind:      "float",
			Scale:     1,
			Min:       0,
			Max:       65535,
			Attribute: attrs[i],
		})
	}
	return cfg
}

func newTestScheduler(t *testing.T, client *fakeAttributeClient, mapping MappingConfig) (*UpdateScheduler, *SessionManager, *RegisterStore, *GatewayStats) {
	t.Helper()

	logger := zap.NewNop()
	stats := &GatewayStats{}
	store := NewRegisterStore(100)
	session := NewSessionManager(testRelayConfig(), func() AttributeClient { return client }, stats, logger)
	translator := NewTranslator(mapping)
	scheduler := NewUpdateScheduler(store, translator, session, stats, ScheduleConfig{Interval: time.Second}, logger)

	return scheduler, session, store, stats
}

func TestScheduler_TickAllSucceed(t *testing.T) {
	client := newFakeAttributeClient()
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(5))

	require.NoError(t, session.EnsureConnected(context.Background()))
	require.NoError(t, store.Write(0, []uint16{10, 20, 30, 40, 50}))

	scheduler.tick(context.Background())

	assert.Equal(t, uint64(5), stats.UpdatesAttempted.Load())
	assert.Equal(t, uint64(5), stats.UpdatesSucceeded.Load())
	assert.Equal(t, uint64(0), stats.UpdatesFailed.Load())
	assert.False(t, stats.LastSuccessTime().IsZero())
}

func TestScheduler_PartialFailureContinues(t *testing.T) {
	client := newFakeAttributeClient()
	client.writeErr["a2"] = &WriteError{Kind: WriteErrReferenceInvalid, Ref: "a2"}
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(5))

	require.NoError(t, session.EnsureConnected(context.Background()))
	require.NoError(t, store.Write(0, []uint16{10, 20, 30, 40, 50}))

	scheduler.tick(context.Background())

	// 單筆語意拒絕不中止當期其餘寫入
	assert.Equal(t, uint64(5), stats.UpdatesAttempted.Load())
	assert.Equal(t, uint64(4), stats.UpdatesSucceeded.Load())
	assert.Equal(t, uint64(1), stats.UpdatesFailed.Load())
	assert.Equal(t, SessionConnected, session.State())
	assert.Equal(t, []string{"a0", "a1", "a3", "a4"}, client.writes)
}

func TestScheduler_TransportFailureAbortsCycle(t *testing.T) {
	client := newFakeAttributeClient()
	client.writeErr["a1"] = &WriteError{Kind: WriteErrTransport, Ref: "a1"}
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(5))

	require.NoError(t, session.EnsureConnected(context.Background()))
	require.NoError(t, store.Write(0, []uint16{10, 20, 30, 40, 50}))

	scheduler.tick(context.Background())

	// 傳輸失敗後當期剩餘量測全部記為失敗
	assert.Equal(t, uint64(5), stats.UpdatesAttempted.Load())
	assert.Equal(t, uint64(1), stats.UpdatesSucceeded.Load())
	assert.Equal(t, uint64(4), stats.UpdatesFailed.Load())
	assert.Equal(t, SessionDisconnected, session.State())
	assert.Equal(t, []string{"a0"}, client.writes)
}

func TestScheduler_DisconnectedTick(t *testing.T) {
	client := newFakeAttributeClient()
	client.connectErr = &WriteError{Kind: WriteErrTransport, Err: assert.AnError}
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(5))

	require.NoError(t, store.Write(0, []uint16{10, 20, 30, 40, 50}))
	require.Equal(t, SessionDisconnected, session.State())

	scheduler.tick(context.Background())

	// 斷線週期: 一次連線嘗試，所有量測記為失敗，不逐筆嘗試寫入
	assert.Equal(t, uint64(1), stats.ConnectAttempts.Load())
	assert.Equal(t, uint64(5), stats.UpdatesAttempted.Load())
	assert.Equal(t, uint64(5), stats.UpdatesFailed.Load())
	assert.Empty(t, client.writes)
}

func TestScheduler_ReconnectThenResume(t *testing.T) {
	client := newFakeAttributeClient()
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(2))

	require.NoError(t, store.Write(0, []uint16{10, 20}))
	require.Equal(t, SessionDisconnected, session.State())

	// 斷線週期直接在 tick 內重連成功後繼續寫入
	scheduler.tick(context.Background())

	assert.Equal(t, SessionConnected, session.State())
	assert.Equal(t, uint64(2), stats.UpdatesSucceeded.Load())
	assert.Equal(t, []string{"a0", "a1"}, client.writes)
}

func TestScheduler_WakeCoalescedWithinInterval(t *testing.T) {
	client := newFakeAttributeClient()
	scheduler, session, store, stats := newTestScheduler(t, client, testScheduleMapping(5))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	scheduler.interval = time.Hour
	scheduler.now = func() time.Time { return now }

	require.NoError(t, session.EnsureConnected(context.Background()))
	require.NoError(t, store.Write(0, []uint16{10, 20, 30, 40, 50}))

	// 高頻喚醒在一個間隔內只允許一個更新週期
	for i := 0; i < 20; i++ {
		now = now.Add(5 * time.Millisecond)
		scheduler.wakeTick(context.Background())
	}

	assert.Equal(t, uint64(5), stats.UpdatesAttempted.Load(), "間隔內的重複喚醒應被合併")
	assert.Equal(t, uint64(5), stats.UpdatesSucceeded.Load())

	// 間隔過後的喚醒允許下一個週期
	now = now.Add(time.Hour)
	scheduler.wakeTick(context.Background())
	assert.Equal(t, uint64(10), stats.UpdatesAttempted.Load())
}

func TestScheduler_WakeIsNonBlocking(t *testing.T) {
	client := newFakeAttributeClient()
	scheduler, _, _, _ := newTestScheduler(t, client, testScheduleMapping(1))

	// 連續觸發不阻塞
	for i := 0; i < 10; i++ {
		scheduler.Wake()
	}
}
