package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay 程序內的假消費者，逐訊框回覆狀態碼
type fakeRelay struct {
	listener net.Listener

	// 依參照決定回覆狀態，未列出者回覆 StatusOK
	statusByRef map[string]byte

	received chan fakeRelayWrite
}

type fakeRelayWrite struct {
	Ref   string
	Tag   byte
	Value []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &fakeRelay{
		listener:    listener,
		statusByRef: make(map[string]byte),
		received:    make(chan fakeRelayWrite, 16),
	}

	go r.serve()
	t.Cleanup(func() { listener.Close() })

	return r
}

func (r *fakeRelay) addr() string {
	return r.listener.Addr().String()
}

func (r *fakeRelay) port() int {
	return r.listener.Addr().(*net.TCPAddr).Port
}

func (r *fakeRelay) serve() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, 3)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		op := header[0]
		length := binary.BigEndian.Uint16(header[1:3])

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		status := byte(StatusOK)

		if op == OpWrite {
			refLen := binary.BigEndian.Uint16(payload[0:2])
			ref := string(payload[2 : 2+refLen])
			tag := payload[2+refLen]
			value := payload[2+refLen+1:]

			if s, ok := r.statusByRef[ref]; ok {
				status = s
			} else {
				r.received <- fakeRelayWrite{Ref: ref, Tag: tag, Value: value}
			}
		}

		if _, err := conn.Write([]byte{op, status}); err != nil {
			return
		}
	}
}

func testClientConfig(relay *fakeRelay) RelayConfig {
	host, _, _ := net.SplitHostPort(relay.addr())
	return RelayConfig{
		Host:           host,
		Port:           relay.port(),
		LogicalDevice:  "LD0",
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
	}
}

func TestMMSClient_ConnectAndWrite(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewMMSClient(testClientConfig(relay), zap.NewNop())

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.WriteFloat("LD0/MMXU1$MX$TotW$mag$f", 48.5))

	write := <-relay.received
	assert.Equal(t, "LD0/MMXU1$MX$TotW$mag$f", write.Ref)
	assert.Equal(t, byte(TagFloat32), write.Tag)
	require.Len(t, write.Value, 4)
}

func TestMMSClient_QualifiesBareReference(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewMMSClient(testClientConfig(relay), zap.NewNop())

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	// 不含邏輯設備前綴的參照自動補上 LD0/
	require.NoError(t, client.WriteBitstring("MMXU1$MX$TotW$q", QualityGood.Bits()))

	write := <-relay.received
	assert.Equal(t, "LD0/MMXU1$MX$TotW$q", write.Ref)
	assert.Equal(t, byte(TagBitstring), write.Tag)
	assert.Equal(t, []byte{0x00, 0x00}, write.Value)
}

func TestMMSClient_WriteTimestamp(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewMMSClient(testClientConfig(relay), zap.NewNop())

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.WriteTimestamp("LD0/MMXU1$MX$TotW$t", 3660595200000))

	write := <-relay.received
	assert.Equal(t, byte(TagTimestamp), write.Tag)
	require.Len(t, write.Value, 8)
	assert.Equal(t, uint64(3660595200000), binary.BigEndian.Uint64(write.Value))
}

func TestMMSClient_StatusMapping(t *testing.T) {
	relay := newFakeRelay(t)
	relay.statusByRef["LD0/denied"] = StatusAccessDenied
	relay.statusByRef["LD0/missing"] = StatusInvalidReference
	relay.statusByRef["LD0/wrong"] = StatusTypeMismatch

	client := NewMMSClient(testClientConfig(relay), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	tests := []struct {
		ref  string
		kind WriteErrorKind
	}{
		{"denied", WriteErrAccessDenied},
		{"missing", WriteErrReferenceInvalid},
		{"wrong", WriteErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			err := client.WriteFloat(tt.ref, 1.0)
			require.Error(t, err)

			var werr *WriteError
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, tt.kind, werr.Kind)
			assert.True(t, werr.Semantic())
		})
	}
}

func TestMMSClient_ConnectRefused(t *testing.T) {
	// 未監聽的埠
	cfg := RelayConfig{
		Host:           "127.0.0.1",
		Port:           1,
		LogicalDevice:  "LD0",
		ConnectTimeout: 500 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
	}

	client := NewMMSClient(cfg, zap.NewNop())
	err := client.Connect(context.Background())
	require.Error(t, err)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Transport())
}

func TestMMSClient_ResponseTimeout(t *testing.T) {
	// 接受連線後不回應
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			// 吞掉請求但不回覆
			go io.Copy(io.Discard, conn)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	cfg := RelayConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		LogicalDevice:  "LD0",
		ConnectTimeout: time.Second,
		WriteTimeout:   100 * time.Millisecond,
	}

	client := NewMMSClient(cfg, zap.NewNop())
	err = client.Connect(context.Background())
	require.Error(t, err)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, WriteErrTimeout, werr.Kind)
}

func TestMMSClient_CloseAfterTransportFailureSkipsConclude(t *testing.T) {
	// 回覆 associate 之後就靜默的對端
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, 3)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		conn.Write([]byte{OpAssociate, StatusOK})

		// 之後吞掉所有請求，不再回覆
		io.Copy(io.Discard, conn)
	}()

	addr := listener.Addr().(*net.TCPAddr)
	cfg := RelayConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		LogicalDevice:  "LD0",
		ConnectTimeout: time.Second,
		WriteTimeout:   200 * time.Millisecond,
	}

	client := NewMMSClient(cfg, zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	// 寫入逾時: 傳輸已不可信任
	err = client.WriteFloat("ref", 1.0)
	require.Error(t, err)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, WriteErrTimeout, werr.Kind)

	// 拆除失敗的傳輸不再交換 conclude，不應再等一次寫入逾時
	start := time.Now()
	require.NoError(t, client.Close())
	assert.Less(t, time.Since(start), cfg.WriteTimeout, "關閉失敗的會話不應阻塞")
}

func TestMMSClient_WriteWithoutSession(t *testing.T) {
	client := NewMMSClient(testRelayConfig(), zap.NewNop())

	err := client.WriteFloat("ref", 1.0)
	require.Error(t, err)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Transport())
}
