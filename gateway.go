package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// GatewayState 閘道器狀態
type GatewayState int32

const (
	GatewayStateStopped GatewayState = iota
	GatewayStateStarting
	GatewayStateRunning
	GatewayStateStopping
)

func (s GatewayState) String() string {
	switch s {
	case GatewayStateStopped:
		return "stopped"
	case GatewayStateStarting:
		return "starting"
	case GatewayStateRunning:
		return "running"
	case GatewayStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway 協議閘道器
//
// 組裝入站伺服器、暫存器表、轉換器、會話管理器與排程器，
// 負責啟動順序與優雅關閉。
type Gateway struct {
	// 配置
	config *Config

	// 狀態
	state atomic.Int32

	// 元件
	store      *RegisterStore
	inbound    *InboundServer
	translator *Translator
	session    *SessionManager
	scheduler  *UpdateScheduler

	// 統計
	stats     *GatewayStats
	startTime time.Time

	// 背景 goroutine 管理
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// 日誌
	logger *zap.Logger
}

// NewGateway 建立新的閘道器
func NewGateway(config *Config, logger *zap.Logger) *Gateway {
	stats := &GatewayStats{}
	store := NewRegisterStore(config.Server.RegisterCount)

	clientLogger := logger.With(zap.String("component", "relay"))
	dial := func() AttributeClient {
		return NewMMSClient(config.Relay, clientLogger)
	}

	session := NewSessionManager(config.Relay, dial, stats, logger.With(zap.String("component", "session")))
	translator := NewTranslator(config.Mapping)
	inbound := NewInboundServer(config.Server, store, stats, logger.With(zap.String("component", "inbound")))
	scheduler := NewUpdateScheduler(store, translator, session, stats, config.Schedule, logger.With(zap.String("component", "scheduler")))

	if config.Schedule.WakeOnWrite {
		inbound.SetWriteNotify(scheduler.Wake)
	}

	return &Gateway{
		config:     config,
		store:      store,
		inbound:    inbound,
		translator: translator,
		session:    session,
		scheduler:  scheduler,
		stats:      stats,
		logger:     logger,
	}
}

// Start 啟動閘道器
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(GatewayStateStopped), int32(GatewayStateStarting)) {
		return fmt.Errorf("閘道器已經在運行中")
	}

	g.startTime = time.Now()
	g.logger.Info("正在啟動閘道器",
		zap.Int("port", g.config.Server.Port),
		zap.String("relay", fmt.Sprintf("%s:%d", g.config.Relay.Host, g.config.Relay.Port)),
		zap.Int("measurements", len(g.config.Mapping.Measurements)),
	)

	// 入站伺服器先於排程器啟動: 生產者隨時可以開始寫入
	if err := g.inbound.Start(); err != nil {
		g.state.Store(int32(GatewayStateStopped))
		return fmt.Errorf("啟動入站伺服器失敗: %w", err)
	}

	// 初次連線失敗不是致命錯誤，排程器會持續重試
	if err := g.session.EnsureConnected(ctx); err != nil {
		g.logger.Warn("初次連線消費者失敗，將於背景重試", zap.Error(err))
	}

	g.runCtx, g.runCancel = context.WithCancel(context.Background())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.scheduler.Run(g.runCtx)
	}()

	if g.config.Schedule.StatsInterval > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.statsLoop(g.runCtx)
		}()
	}

	g.state.Store(int32(GatewayStateRunning))

	g.logger.Info("閘道器啟動完成",
		zap.String("session_state", g.session.State().String()),
		zap.Duration("startup_time", time.Since(g.startTime)),
	)

	return nil
}

// Stop 停止閘道器
//
// 順序: 先停入站伺服器 (不再接受新資料)，再停排程器，
// 最後結束出站會話。
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(GatewayStateRunning), int32(GatewayStateStopping)) {
		return nil
	}

	g.logger.Info("正在停止閘道器")

	if err := g.inbound.Stop(); err != nil {
		g.logger.Warn("停止入站伺服器失敗", zap.Error(err))
	}

	g.runCancel()

	// 等待背景 goroutine 結束或超時
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("停止閘道器超時")
	}

	if err := g.session.Close(ctx); err != nil {
		g.logger.Warn("結束會話失敗", zap.Error(err))
	}

	g.logStats("閘道器最終統計")

	g.state.Store(int32(GatewayStateStopped))
	g.logger.Info("閘道器已停止", zap.Duration("uptime", time.Since(g.startTime)))

	return nil
}

// State 取得閘道器狀態
func (g *Gateway) State() GatewayState {
	return GatewayState(g.state.Load())
}

// SessionState 取得出站會話狀態
func (g *Gateway) SessionState() SessionState {
	return g.session.State()
}

// Stats 取得統計計數器
func (g *Gateway) Stats() *GatewayStats {
	return g.stats
}

// Store 取得暫存器表
func (g *Gateway) Store() *RegisterStore {
	return g.store
}

// statsLoop 定期輸出統計摘要
func (g *Gateway) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Schedule.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.logStats("閘道器統計")
		}
	}
}

// logStats 輸出統計摘要
func (g *Gateway) logStats(msg string) {
	fields := []zap.Field{
		zap.String("session_state", g.session.State().String()),
		zap.Uint64("registers_received", g.stats.RegistersReceived.Load()),
		zap.Uint64("updates_attempted", g.stats.UpdatesAttempted.Load()),
		zap.Uint64("updates_succeeded", g.stats.UpdatesSucceeded.Load()),
		zap.Uint64("updates_failed", g.stats.UpdatesFailed.Load()),
		zap.Uint64("connect_attempts", g.stats.ConnectAttempts.Load()),
		zap.Uint64("connect_failures", g.stats.ConnectFailures.Load()),
	}

	if last := g.stats.LastSuccessTime(); !last.IsZero() {
		fields = append(fields, zap.Time("last_success", last))
	}

	g.logger.Info(msg, fields...)
}
