package main

// Modbus 協議常數 (入站側)
const (
	// Modbus 功能碼
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction    = 0x01
	ExceptionCodeIllegalDataAddress = 0x02
	ExceptionCodeIllegalDataValue   = 0x03

	// Modbus TCP 常數
	ModbusTCPDefaultPort = 502

	// 暫存器限制
	MaxRegistersPerRead  = 125
	MaxRegistersPerWrite = 123
)

// 出站會話協議常數 (MMS 風格的屬性寫入協議)
// 訊框格式: [op:1][length:2][payload]
const (
	MMSDefaultPort = 102

	// 操作碼
	OpAssociate = 0x01 // 建立會話
	OpWrite     = 0x02 // 寫入具名屬性
	OpConclude  = 0x03 // 結束會話

	// 型別標籤
	TagFloat32   = 0x0A // 32-bit 浮點數 (量測值)
	TagBitstring = 0x0B // 固定寬度位元串 (品質旗標)
	TagTimestamp = 0x0C // 64-bit 毫秒時間戳

	// 回應狀態碼
	StatusOK               = 0x00
	StatusAccessDenied     = 0x01
	StatusInvalidReference = 0x02
	StatusTypeMismatch     = 0x03
)

// NTPUnixOffsetSeconds 入站 (Unix 紀元) 與出站 (1900 紀元) 時間基準之間的固定偏移
const NTPUnixOffsetSeconds = 2208988800

// Quality 量測品質
type Quality int

const (
	QualityGood Quality = iota
	QualityInvalid
	QualityQuestionable
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityInvalid:
		return "invalid"
	case QualityQuestionable:
		return "questionable"
	default:
		return "unknown"
	}
}

// Bits 品質旗標的位元串編碼 (validity 位於最低兩位)
func (q Quality) Bits() uint16 {
	switch q {
	case QualityGood:
		return 0x0000
	case QualityInvalid:
		return 0x0001
	case QualityQuestionable:
		return 0x0003
	default:
		return 0x0001
	}
}

// MeasurementKind 量測類型 (決定出站寫入的編碼方式)
type MeasurementKind int

const (
	KindFloat MeasurementKind = iota
	KindTimestamp
	KindCounter
)

func (k MeasurementKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	case KindCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// ParseMeasurementKind 解析量測類型
func ParseMeasurementKind(s string) (MeasurementKind, bool) {
	switch s {
	case "float":
		return KindFloat, true
	case "timestamp":
		return KindTimestamp, true
	case "counter":
		return KindCounter, true
	default:
		return KindFloat, false
	}
}

// SlotCount 返回該量測類型佔用的暫存器數量
func (k MeasurementKind) SlotCount() int {
	if k == KindTimestamp {
		return 2
	}
	return 1
}
