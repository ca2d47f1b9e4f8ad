package main

import (
	"time"
)

// Measurement 一筆已轉換的具名物理量測
//
// 每次排程週期自當前快照重新產生，產生後不可變，
// 寫入嘗試結束即丟棄 (不保留過期量測)。
type Measurement struct {
	Name             string
	Kind             MeasurementKind
	Raw              []uint16
	Value            float64
	EpochMillis      uint64
	Quality          Quality
	Attribute        string
	QualityAttribute string
	SourceTime       time.Time
}

// Translator 單位縮放轉換器
//
// 純函數: (RegisterSnapshot, 靜態映射) → []Measurement，
// 無副作用，測試直接利用此性質。
type Translator struct {
	mapping    []MeasurementConfig
	staleAfter time.Duration
}

// NewTranslator 建立轉換器
func NewTranslator(cfg MappingConfig) *Translator {
	return &Translator{
		mapping:    cfg.Measurements,
		staleAfter: cfg.StaleAfter,
	}
}

// Translate 將暫存器快照轉換為量測集合
func (t *Translator) Translate(snap RegisterSnapshot, now time.Time) []Measurement {
	measurements := make([]Measurement, 0, len(t.mapping))

	sourceTime := snap.LastWrite
	if sourceTime.IsZero() {
		sourceTime = now
	}

	for _, mc := range t.mapping {
		kind, _ := ParseMeasurementKind(mc.Kind)

		m := Measurement{
			Name:             mc.Name,
			Kind:             kind,
			Attribute:        mc.Attribute,
			QualityAttribute: mc.QualityAttribute,
			SourceTime:       sourceTime,
		}

		switch kind {
		case KindTimestamp:
			high := snap.Registers[mc.Slot]
			low := snap.Registers[mc.Slot+1]
			seconds := ReconstructTimestamp(high, low)
			m.Raw = []uint16{high, low}
			m.Value = float64(seconds)
			m.EpochMillis = ToEpochMillis(seconds)

		default:
			raw := snap.Registers[mc.Slot]
			m.Raw = []uint16{raw}
			m.Value = float64(raw) / mc.Scale
		}

		m.Quality = t.classify(snap, mc, kind, m.Value, now)
		measurements = append(measurements, m)
	}

	return measurements
}

// classify 決定量測品質
//
// 從未寫入的快照 (全零哨兵) 絕不能悄悄讀為 good；
// 超出物理範圍的值標記 invalid 但仍往下游送，
// 讓消費者看到明確的無效性而非沉默。
func (t *Translator) classify(snap RegisterSnapshot, mc MeasurementConfig, kind MeasurementKind, value float64, now time.Time) Quality {
	if !snap.Written() {
		return QualityInvalid
	}

	if kind == KindFloat && mc.Max > mc.Min {
		if value < mc.Min || value > mc.Max {
			return QualityInvalid
		}
	}

	if t.staleAfter > 0 && now.Sub(snap.LastWrite) > t.staleAfter {
		return QualityQuestionable
	}

	return QualityGood
}

// ReconstructTimestamp 自兩個 16-bit 暫存器重建 32-bit 時間戳 (高位在前)
func ReconstructTimestamp(high, low uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

// ToEpochMillis 將入站紀元秒數轉換為出站時間屬性的毫秒表示
func ToEpochMillis(unixSeconds uint32) uint64 {
	return (uint64(unixSeconds) + NTPUnixOffsetSeconds) * 1000
}
