package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// UpdateScheduler 定期更新排程器
//
// 每個週期: 取快照 → 轉換 → 逐筆寫入消費者。
// 週期之間互不重疊; 單筆寫入失敗不中止當期其餘寫入。
type UpdateScheduler struct {
	store      *RegisterStore
	translator *Translator
	session    *SessionManager
	stats      *GatewayStats

	interval time.Duration
	wake     chan struct{}
	lastTick time.Time

	// 可注入時鐘，測試用固定值取代
	now func() time.Time

	logger *zap.Logger
}

// NewUpdateScheduler 建立排程器
func NewUpdateScheduler(store *RegisterStore, translator *Translator, session *SessionManager, stats *GatewayStats, cfg ScheduleConfig, logger *zap.Logger) *UpdateScheduler {
	return &UpdateScheduler{
		store:      store,
		translator: translator,
		session:    session,
		stats:      stats,
		interval:   cfg.Interval,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		logger:     logger,
	}
}

// Wake 請求提前執行一次更新週期 (非阻塞)
func (s *UpdateScheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run 執行排程迴圈直到 ctx 取消
func (s *UpdateScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("排程器啟動", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("排程器停止")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.wakeTick(ctx)
		}
	}
}

// wakeTick 處理入站寫入觸發的提前更新
//
// 出站節奏與入站寫入節奏解耦: 距上次週期不足一個完整間隔的
// 喚醒直接略過，高頻生產者不會放大出站流量。
func (s *UpdateScheduler) wakeTick(ctx context.Context) {
	if s.now().Sub(s.lastTick) < s.interval {
		return
	}
	s.tick(ctx)
}

// tick 執行一個更新週期
//
// 會話斷線時不逐筆嘗試寫入: 整個週期記為失敗，
// 並只做一次受退避管制的重連嘗試。
func (s *UpdateScheduler) tick(ctx context.Context) {
	s.lastTick = s.now()

	snapshot := s.store.Snapshot()
	measurements := s.translator.Translate(snapshot, s.lastTick)

	if s.session.State() == SessionDisconnected {
		if err := s.session.EnsureConnected(ctx); err != nil {
			for range measurements {
				s.stats.UpdatesAttempted.Add(1)
				s.stats.RecordFailure()
			}
			return
		}
	}

	for i, meas := range measurements {
		s.stats.UpdatesAttempted.Add(1)

		if err := s.session.WriteMeasurement(meas); err != nil {
			s.stats.RecordFailure()
			s.logger.Debug("量測更新失敗",
				zap.String("name", meas.Name),
				zap.Error(err),
			)

			// 會話已斷線，其餘量測本期不再嘗試
			if s.session.State() == SessionDisconnected {
				for range measurements[i+1:] {
					s.stats.UpdatesAttempted.Add(1)
					s.stats.RecordFailure()
				}
				return
			}
			continue
		}

		s.stats.RecordSuccess(s.now())
	}
}
