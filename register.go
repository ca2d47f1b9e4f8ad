package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOutOfRange 暫存器位址超出表格範圍
var ErrOutOfRange = errors.New("暫存器位址超出範圍")

// RegisterStore 線程安全的暫存器表
//
// 唯一的共享可變資源: 入站伺服器寫入，轉換器讀取。
// 讀取永遠取得完整套用的寫入，不會觀察到撕裂的更新。
type RegisterStore struct {
	mu sync.RWMutex

	registers []uint16
	writes    uint64
	lastWrite time.Time
}

// RegisterSnapshot 暫存器表在單一時刻的一致性副本
type RegisterSnapshot struct {
	Registers []uint16
	Writes    uint64
	LastWrite time.Time
}

// Written 生產者是否曾經寫入過 (全零初始狀態不可視為有效資料)
func (s RegisterSnapshot) Written() bool {
	return s.Writes > 0
}

// NewRegisterStore 建立新的暫存器表
func NewRegisterStore(size int) *RegisterStore {
	return &RegisterStore{
		registers: make([]uint16, size),
	}
}

// Size 暫存器表大小
func (s *RegisterStore) Size() int {
	return len(s.registers)
}

// Write 自 startAddress 起原子性地寫入 values
func (s *RegisterStore) Write(startAddress uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := int(startAddress) + len(values)
	if end > len(s.registers) {
		return fmt.Errorf("%w: %d-%d (表格大小 %d)", ErrOutOfRange, startAddress, end-1, len(s.registers))
	}

	copy(s.registers[startAddress:end], values)
	s.writes++
	s.lastWrite = time.Now()
	return nil
}

// Read 讀取自 startAddress 起的 quantity 個暫存器
func (s *RegisterStore) Read(startAddress, quantity uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := int(startAddress) + int(quantity)
	if end > len(s.registers) {
		return nil, fmt.Errorf("%w: %d-%d (表格大小 %d)", ErrOutOfRange, startAddress, end-1, len(s.registers))
	}

	result := make([]uint16, quantity)
	copy(result, s.registers[startAddress:end])
	return result, nil
}

// Snapshot 取得完整表格的不可變副本
func (s *RegisterStore) Snapshot() RegisterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	registers := make([]uint16, len(s.registers))
	copy(registers, s.registers)

	return RegisterSnapshot{
		Registers: registers,
		Writes:    s.writes,
		LastWrite: s.lastWrite,
	}
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}
