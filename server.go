package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// ServerState 入站伺服器狀態
type ServerState int32

const (
	ServerStateStopped ServerState = iota
	ServerStateStarting
	ServerStateRunning
	ServerStateStopping
)

func (s ServerState) String() string {
	switch s {
	case ServerStateStopped:
		return "stopped"
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// InboundServer 入站 Modbus TCP 伺服器
//
// 將 FC 06/16 寫入導向暫存器表; 其餘功能碼交由協議層
// 回覆 IllegalFunction。讀取 (FC 03) 回覆表格當前內容。
type InboundServer struct {
	bindAddr string
	port     int
	unitID   uint8

	state atomic.Int32

	store *RegisterStore

	server *mbserver.Server

	stats   *GatewayStats
	onWrite func()

	startTime time.Time

	logger *zap.Logger
}

// NewInboundServer 建立入站伺服器
func NewInboundServer(cfg ServerConfig, store *RegisterStore, stats *GatewayStats, logger *zap.Logger) *InboundServer {
	return &InboundServer{
		bindAddr: cfg.BindAddress,
		port:     cfg.Port,
		unitID:   cfg.UnitID,
		store:    store,
		stats:    stats,
		logger:   logger,
	}
}

// SetWriteNotify 設定寫入通知回呼 (非阻塞，由排程器用於提前喚醒)
func (s *InboundServer) SetWriteNotify(fn func()) {
	s.onWrite = fn
}

// Start 啟動伺服器
func (s *InboundServer) Start() error {
	if !s.state.CompareAndSwap(int32(ServerStateStopped), int32(ServerStateStarting)) {
		return fmt.Errorf("伺服器已經在運行中")
	}

	s.server = mbserver.NewServer()
	s.server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, s.handleReadHolding)
	s.server.RegisterFunctionHandler(FuncCodeWriteSingleRegister, s.handleWriteSingle)
	s.server.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, s.handleWriteMultiple)

	s.startTime = time.Now()
	addr := fmt.Sprintf("%s:%d", s.bindAddr, s.port)

	if err := s.server.ListenTCP(addr); err != nil {
		s.state.Store(int32(ServerStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}

	s.state.Store(int32(ServerStateRunning))

	s.logger.Info("入站伺服器已啟動",
		zap.String("addr", addr),
		zap.Uint8("unitID", s.unitID),
		zap.Int("registers", s.store.Size()),
	)

	return nil
}

// Stop 停止伺服器
func (s *InboundServer) Stop() error {
	if !s.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateStopping)) {
		return nil // 已經停止
	}

	if s.server != nil {
		s.server.Close()
	}

	s.state.Store(int32(ServerStateStopped))

	s.logger.Info("入站伺服器已停止",
		zap.Duration("uptime", time.Since(s.startTime)),
	)

	return nil
}

// State 取得當前狀態
func (s *InboundServer) State() ServerState {
	return ServerState(s.state.Load())
}

// handleReadHolding 處理讀取保持暫存器請求 (FC 03)
func (s *InboundServer) handleReadHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if !s.unitMatches(frame) {
		return nil, &mbserver.IllegalFunction
	}

	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}

	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])

	if quantity < 1 || quantity > MaxRegistersPerRead {
		return nil, &mbserver.IllegalDataValue
	}

	registers, err := s.store.Read(address, quantity)
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}

	payload := RegistersToBytes(registers)
	return append([]byte{byte(len(payload))}, payload...), &mbserver.Success
}

// handleWriteSingle 處理寫入單一暫存器請求 (FC 06)
func (s *InboundServer) handleWriteSingle(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if !s.unitMatches(frame) {
		return nil, &mbserver.IllegalFunction
	}

	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}

	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if err := s.store.Write(address, []uint16{value}); err != nil {
		s.logger.Debug("寫入暫存器失敗",
			zap.Uint16("address", address),
			zap.Error(err),
		)
		return nil, &mbserver.IllegalDataAddress
	}

	s.stats.RegistersReceived.Add(1)
	s.notifyWrite()

	// 回應回顯位址與值
	return data[0:4], &mbserver.Success
}

// handleWriteMultiple 處理寫入多個暫存器請求 (FC 16)
func (s *InboundServer) handleWriteMultiple(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if !s.unitMatches(frame) {
		return nil, &mbserver.IllegalFunction
	}

	data := frame.GetData()
	if len(data) < 5 {
		return nil, &mbserver.IllegalDataValue
	}

	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if quantity < 1 || quantity > MaxRegistersPerWrite {
		return nil, &mbserver.IllegalDataValue
	}
	if byteCount != int(quantity)*2 || len(data) < 5+byteCount {
		return nil, &mbserver.IllegalDataValue
	}

	values := BytesToRegisters(data[5 : 5+byteCount])

	if err := s.store.Write(address, values); err != nil {
		s.logger.Debug("寫入多個暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		if errors.Is(err, ErrOutOfRange) {
			return nil, &mbserver.IllegalDataAddress
		}
		return nil, &mbserver.IllegalDataValue
	}

	s.stats.RegistersReceived.Add(uint64(quantity))
	s.notifyWrite()

	s.logger.Debug("收到暫存器更新",
		zap.Uint16("address", address),
		zap.Uint16("quantity", quantity),
	)

	// 回應回顯位址與數量
	return data[0:4], &mbserver.Success
}

// unitMatches 檢查請求的 Unit ID 是否為本閘道器
func (s *InboundServer) unitMatches(frame mbserver.Framer) bool {
	switch f := frame.(type) {
	case *mbserver.TCPFrame:
		return f.Device == s.unitID
	case *mbserver.RTUFrame:
		return f.Address == s.unitID
	default:
		return true
	}
}

// notifyWrite 觸發寫入通知回呼
func (s *InboundServer) notifyWrite() {
	if s.onWrite != nil {
		s.onWrite()
	}
}
