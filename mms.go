package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteErrorKind 出站寫入錯誤分類
type WriteErrorKind int

const (
	WriteErrTransport WriteErrorKind = iota
	WriteErrTimeout
	WriteErrAccessDenied
	WriteErrReferenceInvalid
	WriteErrTypeMismatch
)

func (k WriteErrorKind) String() string {
	switch k {
	case WriteErrTransport:
		return "transport"
	case WriteErrTimeout:
		return "timeout"
	case WriteErrAccessDenied:
		return "access_denied"
	case WriteErrReferenceInvalid:
		return "reference_invalid"
	case WriteErrTypeMismatch:
		return "type_mismatch"
	default:
		return "unknown"
	}
}

// WriteError 出站寫入錯誤
type WriteError struct {
	Kind WriteErrorKind
	Ref  string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("寫入 %s 失敗 (%s): %v", e.Ref, e.Kind, e.Err)
	}
	return fmt.Sprintf("寫入 %s 失敗 (%s)", e.Ref, e.Kind)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Transport 是否為傳輸層失敗 (觸發會話斷線與退避重連)
func (e *WriteError) Transport() bool {
	return e.Kind == WriteErrTransport || e.Kind == WriteErrTimeout
}

// Semantic 是否為語意拒絕 (累計至 degraded，不拆除會話)
func (e *WriteError) Semantic() bool {
	return !e.Transport()
}

// AttributeClient 出站會話協議客戶端介面
//
// 提供封閉的型別化寫入集合: 浮點數、位元串、時間戳。
type AttributeClient interface {
	Connect(ctx context.Context) error
	WriteFloat(ref string, value float32) error
	WriteBitstring(ref string, bits uint16) error
	WriteTimestamp(ref string, millis uint64) error
	Close() error
}

// MMSClient 透過 TCP 對消費者執行屬性寫入的會話客戶端
type MMSClient struct {
	mu sync.Mutex

	addr           string
	logicalDevice  string
	connectTimeout time.Duration
	writeTimeout   time.Duration

	conn   net.Conn
	broken bool

	logger *zap.Logger
}

// NewMMSClient 建立會話客戶端
func NewMMSClient(cfg RelayConfig, logger *zap.Logger) *MMSClient {
	return &MMSClient{
		addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logicalDevice:  cfg.LogicalDevice,
		connectTimeout: cfg.ConnectTimeout,
		writeTimeout:   cfg.WriteTimeout,
		logger:         logger,
	}
}

// Connect 建立 TCP 連線並完成協議層關聯
//
// 傳輸握手與協議層關聯都成功，會話才算建立。
func (c *MMSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return classifyNetErr("", err)
	}

	c.conn = conn
	c.broken = false

	if err := c.exchange(OpAssociate, nil); err != nil {
		conn.Close()
		c.conn = nil
		return err
	}

	c.logger.Info("會話已建立",
		zap.String("addr", c.addr),
		zap.String("logical_device", c.logicalDevice),
	)

	return nil
}

// WriteFloat 寫入 32-bit 浮點量測值
func (c *MMSClient) WriteFloat(ref string, value float32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, math.Float32bits(value))
	return c.writeAttribute(ref, TagFloat32, payload)
}

// WriteBitstring 寫入品質旗標位元串
func (c *MMSClient) WriteBitstring(ref string, bits uint16) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, bits)
	return c.writeAttribute(ref, TagBitstring, payload)
}

// WriteTimestamp 寫入 64-bit 毫秒時間戳
func (c *MMSClient) WriteTimestamp(ref string, millis uint64) error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, millis)
	return c.writeAttribute(ref, TagTimestamp, payload)
}

// Close 結束會話並關閉連線
//
// conclude 盡力而為; 傳輸已判定失敗的連線不再交換，
// 避免對無回應的對端多等一次寫入逾時。
func (c *MMSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if !c.broken {
		_ = c.exchange(OpConclude, nil)
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

// writeAttribute 送出單筆屬性寫入請求並等待回應
func (c *MMSClient) writeAttribute(ref string, tag byte, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	qualified := c.qualifyRef(ref)

	if c.conn == nil {
		return &WriteError{Kind: WriteErrTransport, Ref: qualified, Err: fmt.Errorf("會話未建立")}
	}

	payload := make([]byte, 0, 2+len(qualified)+1+len(value))
	refBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(refBytes, uint16(len(qualified)))
	payload = append(payload, refBytes...)
	payload = append(payload, qualified...)
	payload = append(payload, tag)
	payload = append(payload, value...)

	if err := c.exchangeRef(qualified, OpWrite, payload); err != nil {
		return err
	}

	c.logger.Debug("已寫入屬性",
		zap.String("ref", qualified),
		zap.Uint8("tag", tag),
	)

	return nil
}

// exchange 無屬性脈絡的請求/回應交換 (associate/conclude)
func (c *MMSClient) exchange(op byte, payload []byte) error {
	return c.exchangeRef("", op, payload)
}

// exchangeRef 送出一個訊框並讀回狀態回應
func (c *MMSClient) exchangeRef(ref string, op byte, payload []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.broken = true
		return classifyNetErr(ref, err)
	}

	frame := make([]byte, 3+len(payload))
	frame[0] = op
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)

	if _, err := c.conn.Write(frame); err != nil {
		c.broken = true
		return classifyNetErr(ref, err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		c.broken = true
		return classifyNetErr(ref, err)
	}

	if resp[0] != op {
		c.broken = true
		return &WriteError{Kind: WriteErrTransport, Ref: ref, Err: fmt.Errorf("非預期的回應操作碼: 0x%02x", resp[0])}
	}

	return classifyStatus(ref, resp[1])
}

// qualifyRef 為不含邏輯設備前綴的參照補上前綴
func (c *MMSClient) qualifyRef(ref string) string {
	if ref == "" || strings.Contains(ref, "/") {
		return ref
	}
	return c.logicalDevice + "/" + ref
}

// classifyStatus 將協議狀態碼映射為錯誤分類
func classifyStatus(ref string, status byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusAccessDenied:
		return &WriteError{Kind: WriteErrAccessDenied, Ref: ref}
	case StatusInvalidReference:
		return &WriteError{Kind: WriteErrReferenceInvalid, Ref: ref}
	case StatusTypeMismatch:
		return &WriteError{Kind: WriteErrTypeMismatch, Ref: ref}
	default:
		return &WriteError{Kind: WriteErrTransport, Ref: ref, Err: fmt.Errorf("未知的狀態碼: 0x%02x", status)}
	}
}

// classifyNetErr 將網路錯誤映射為傳輸層錯誤分類
func classifyNetErr(ref string, err error) error {
	kind := WriteErrTransport
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		kind = WriteErrTimeout
	}
	return &WriteError{Kind: kind, Ref: ref, Err: err}
}
