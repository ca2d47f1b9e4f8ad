package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SessionState 出站會話狀態
type SessionState int32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDegraded
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// SessionManager 出站會話管理器
//
// 狀態機: disconnected → connecting → connected ⇄ degraded。
// 傳輸層失敗從任何狀態回到 disconnected 並啟動指數退避；
// 語意拒絕累計到門檻才進入 degraded，且不拆除底層會話。
type SessionManager struct {
	mu sync.Mutex

	state atomic.Int32

	dial   func() AttributeClient
	client AttributeClient

	failureThreshold int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	jitterFactor     float64

	connectFailures int
	writeFailures   int
	nextRetry       time.Time

	// 可注入時鐘與亂數源，測試用固定值取代
	now  func() time.Time
	rand *rand.Rand

	stats  *GatewayStats
	logger *zap.Logger
}

// NewSessionManager 建立會話管理器
func NewSessionManager(cfg RelayConfig, dial func() AttributeClient, stats *GatewayStats, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		dial:             dial,
		failureThreshold: cfg.FailureThreshold,
		baseBackoff:      cfg.BaseBackoff,
		maxBackoff:       cfg.MaxBackoff,
		jitterFactor:     cfg.JitterFactor,
		now:              time.Now,
		rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:            stats,
		logger:           logger,
	}
}

// State 當前會話狀態
func (m *SessionManager) State() SessionState {
	return SessionState(m.state.Load())
}

func (m *SessionManager) setState(s SessionState) {
	old := SessionState(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Info("會話狀態變更",
			zap.String("from", old.String()),
			zap.String("to", s.String()),
		)
	}
}

// EnsureConnected 在 disconnected 狀態下嘗試建立會話
//
// 退避視窗尚未到期時直接返回，不產生連線嘗試。
func (m *SessionManager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != SessionDisconnected {
		return nil
	}

	now := m.now()
	if now.Before(m.nextRetry) {
		return errors.New("重連退避中")
	}

	m.setState(SessionConnecting)
	m.stats.ConnectAttempts.Add(1)

	client := m.dial()
	if err := client.Connect(ctx); err != nil {
		m.stats.ConnectFailures.Add(1)
		m.connectFailures++
		m.nextRetry = now.Add(m.backoffDelay(m.connectFailures))
		m.setState(SessionDisconnected)

		m.logger.Warn("建立會話失敗",
			zap.Int("consecutive_failures", m.connectFailures),
			zap.Time("next_retry", m.nextRetry),
			zap.Error(err),
		)
		return err
	}

	m.client = client
	m.connectFailures = 0
	m.writeFailures = 0
	m.setState(SessionConnected)
	return nil
}

// WriteMeasurement 將一筆量測寫入消費者
//
// 依量測類型選擇編碼; 量測值寫入成功後才寫品質屬性。
func (m *SessionManager) WriteMeasurement(meas Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil || m.State() == SessionDisconnected {
		return &WriteError{Kind: WriteErrTransport, Ref: meas.Attribute, Err: errors.New("會話未建立")}
	}

	if err := m.writeValue(meas); err != nil {
		return m.recordWriteError(err)
	}

	if meas.QualityAttribute != "" {
		if err := m.client.WriteBitstring(meas.QualityAttribute, meas.Quality.Bits()); err != nil {
			return m.recordWriteError(err)
		}
	}

	m.writeFailures = 0
	if m.State() == SessionDegraded {
		m.setState(SessionConnected)
	}
	return nil
}

// writeValue 依量測類型執行對應的型別化寫入
func (m *SessionManager) writeValue(meas Measurement) error {
	switch meas.Kind {
	case KindTimestamp:
		return m.client.WriteTimestamp(meas.Attribute, meas.EpochMillis)
	default:
		return m.client.WriteFloat(meas.Attribute, float32(meas.Value))
	}
}

// recordWriteError 依錯誤分類調整狀態機
func (m *SessionManager) recordWriteError(err error) error {
	var werr *WriteError
	if !errors.As(err, &werr) {
		werr = &WriteError{Kind: WriteErrTransport, Err: err}
	}

	if werr.Transport() {
		// 傳輸層失敗: 會話不可信任，整個拆除
		if m.client != nil {
			m.client.Close()
			m.client = nil
		}
		m.connectFailures++
		m.nextRetry = m.now().Add(m.backoffDelay(m.connectFailures))
		m.setState(SessionDisconnected)

		m.logger.Warn("會話傳輸失敗",
			zap.String("ref", werr.Ref),
			zap.Time("next_retry", m.nextRetry),
			zap.Error(werr),
		)
		return werr
	}

	// 語意拒絕: 會話仍然健康，僅累計失敗
	m.writeFailures++
	m.logger.Warn("屬性寫入被拒絕",
		zap.String("ref", werr.Ref),
		zap.String("kind", werr.Kind.String()),
		zap.Int("consecutive_failures", m.writeFailures),
	)

	if m.writeFailures >= m.failureThreshold && m.State() == SessionConnected {
		m.setState(SessionDegraded)
	}
	return werr
}

// Close 主動結束會話
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.client != nil {
		err = m.client.Close()
		m.client = nil
	}
	m.setState(SessionDisconnected)
	return err
}

// backoffDelay 計算第 failures 次連續失敗後的退避延遲
//
// 指數成長封頂於 maxBackoff，再疊加一段比例抖動
// 避免多個閘道器同時重連。
func (m *SessionManager) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := m.baseBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= m.maxBackoff {
			delay = m.maxBackoff
			break
		}
	}
	if delay > m.maxBackoff {
		delay = m.maxBackoff
	}

	if m.jitterFactor > 0 {
		jitter := time.Duration(m.rand.Float64() * m.jitterFactor * float64(delay))
		delay += jitter
		// 加上抖動後仍受上限約束
		if delay > m.maxBackoff {
			delay = m.maxBackoff
		}
	}

	return delay
}
