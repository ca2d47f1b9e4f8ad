package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(registers []uint16, lastWrite time.Time) RegisterSnapshot {
	regs := make([]uint16, 100)
	copy(regs, registers)
	return RegisterSnapshot{
		Registers: regs,
		Writes:    1,
		LastWrite: lastWrite,
	}
}

func TestReconstructTimestamp(t *testing.T) {
	assert.Equal(t, uint32(0), ReconstructTimestamp(0, 0))
	assert.Equal(t, uint32(0x12345678), ReconstructTimestamp(0x1234, 0x5678))
	assert.Equal(t, uint32(0xFFFFFFFF), ReconstructTimestamp(0xFFFF, 0xFFFF))
}

func TestToEpochMillis(t *testing.T) {
	// 2016-01-01 00:00:00 UTC
	assert.Equal(t, uint64(3660595200000), ToEpochMillis(1451606400))
	assert.Equal(t, uint64(NTPUnixOffsetSeconds)*1000, ToEpochMillis(0))
}

func TestTranslator_ScaleRoundTrip(t *testing.T) {
	// 生產者以 value*scale 編碼，轉換端以 raw/scale 還原
	tests := []struct {
		name  string
		scale float64
		value float64
	}{
		{"scale_1", 1, 3500},
		{"scale_10", 10, 48.5},
		{"scale_100", 100, 5.36},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := uint16(tt.value * tt.scale)

			tr := NewTranslator(MappingConfig{
				Measurements: []MeasurementConfig{
					{Name: "m", Slot: 0, Kind: "float", Scale: tt.scale, Min: 0, Max: 100000, Attribute: "GGIO1$MX$AnIn1$mag$f"},
				},
			})

			now := time.Now()
			result := tr.Translate(testSnapshot([]uint16{raw}, now), now)
			require.Len(t, result, 1)
			assert.InDelta(t, tt.value, result[0].Value, 0.001)
		})
	}
}

func TestTranslator_TimestampMeasurement(t *testing.T) {
	// 1451606400 = 0x5685C180
	tr := NewTranslator(MappingConfig{
		Measurements: []MeasurementConfig{
			{Name: "Timestamp", Slot: 6, Kind: "timestamp", Attribute: "MMXU1$MX$TotW$t"},
		},
	})

	regs := make([]uint16, 8)
	regs[6] = 0x5685
	regs[7] = 0xC180

	now := time.Now()
	result := tr.Translate(testSnapshot(regs, now), now)
	require.Len(t, result, 1)

	assert.Equal(t, KindTimestamp, result[0].Kind)
	assert.Equal(t, uint64(3660595200000), result[0].EpochMillis)
	assert.Equal(t, QualityGood, result[0].Quality)
}

func TestTranslator_NeverWrittenIsInvalid(t *testing.T) {
	tr := NewTranslator(DefaultConfig().Mapping)

	// 全零初始狀態: 所有量測標記 invalid
	snap := RegisterSnapshot{Registers: make([]uint16, 100)}
	result := tr.Translate(snap, time.Now())

	require.NotEmpty(t, result)
	for _, m := range result {
		assert.Equal(t, QualityInvalid, m.Quality, "量測 %s 應標記 invalid", m.Name)
	}
}

func TestTranslator_OutOfRangeIsInvalid(t *testing.T) {
	tr := NewTranslator(MappingConfig{
		Measurements: []MeasurementConfig{
			{Name: "V_dc", Slot: 0, Kind: "float", Scale: 10, Min: 0, Max: 100, Attribute: "MMXU1$MX$PhV$phsA$cVal$mag$f"},
		},
	})

	now := time.Now()

	// 1500/10 = 150V，超出 0-100V 範圍
	result := tr.Translate(testSnapshot([]uint16{1500}, now), now)
	require.Len(t, result, 1)
	assert.Equal(t, QualityInvalid, result[0].Quality)
	assert.InDelta(t, 150.0, result[0].Value, 0.001, "超界值仍應轉換後送出")
}

func TestTranslator_StaleIsQuestionable(t *testing.T) {
	tr := NewTranslator(MappingConfig{
		StaleAfter: 30 * time.Second,
		Measurements: []MeasurementConfig{
			{Name: "P_ac", Slot: 0, Kind: "float", Scale: 1, Min: 0, Max: 10000, Attribute: "MMXU1$MX$TotW$mag$f"},
		},
	})

	now := time.Now()
	lastWrite := now.Add(-60 * time.Second)

	result := tr.Translate(testSnapshot([]uint16{250}, lastWrite), now)
	require.Len(t, result, 1)
	assert.Equal(t, QualityQuestionable, result[0].Quality)
}

func TestTranslator_FreshIsGood(t *testing.T) {
	tr := NewTranslator(MappingConfig{
		StaleAfter: 30 * time.Second,
		Measurements: []MeasurementConfig{
			{Name: "P_ac", Slot: 0, Kind: "float", Scale: 1, Min: 0, Max: 10000, Attribute: "MMXU1$MX$TotW$mag$f"},
		},
	})

	now := time.Now()
	result := tr.Translate(testSnapshot([]uint16{250}, now), now)
	require.Len(t, result, 1)
	assert.Equal(t, QualityGood, result[0].Quality)
}

func TestTranslator_EndToEndDefaultMapping(t *testing.T) {
	// 完整的 8 暫存器遙測區塊經預設映射轉換
	tr := NewTranslator(DefaultConfig().Mapping)

	regs := []uint16{250, 260, 485, 536, 850, 456, 25984, 4660}
	now := time.Now()
	result := tr.Translate(testSnapshot(regs, now), now)
	require.Len(t, result, 7)

	byName := make(map[string]Measurement)
	for _, m := range result {
		byName[m.Name] = m
	}

	assert.InDelta(t, 250.0, byName["P_ac"].Value, 0.001)
	assert.InDelta(t, 260.0, byName["P_dc"].Value, 0.001)
	assert.InDelta(t, 48.5, byName["V_dc"].Value, 0.001)
	assert.InDelta(t, 5.36, byName["I_dc"].Value, 0.001)
	assert.InDelta(t, 850.0, byName["G"].Value, 0.001)
	assert.InDelta(t, 45.6, byName["T_cell"].Value, 0.001)

	ts := byName["Timestamp"]
	seconds := ReconstructTimestamp(25984, 4660)
	assert.Equal(t, ToEpochMillis(seconds), ts.EpochMillis)

	for _, m := range result {
		assert.Equal(t, QualityGood, m.Quality, "量測 %s 應為 good", m.Name)
	}
}

func TestQuality_Bits(t *testing.T) {
	assert.Equal(t, uint16(0x0000), QualityGood.Bits())
	assert.Equal(t, uint16(0x0001), QualityInvalid.Bits())
	assert.Equal(t, uint16(0x0003), QualityQuestionable.Bits())
}

func TestParseMeasurementKind(t *testing.T) {
	kind, ok := ParseMeasurementKind("float")
	assert.True(t, ok)
	assert.Equal(t, KindFloat, kind)

	kind, ok = ParseMeasurementKind("timestamp")
	assert.True(t, ok)
	assert.Equal(t, KindTimestamp, kind)
	assert.Equal(t, 2, kind.SlotCount())

	kind, ok = ParseMeasurementKind("counter")
	assert.True(t, ok)
	assert.Equal(t, KindCounter, kind)

	_, ok = ParseMeasurementKind("unknown")
	assert.False(t, ok)
}
