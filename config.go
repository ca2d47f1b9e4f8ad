package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Relay    RelayConfig    `json:"relay" mapstructure:"relay"`
	Mapping  MappingConfig  `json:"mapping" mapstructure:"mapping"`
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig 入站 Modbus TCP 伺服器配置 (生產者端)
type ServerConfig struct {
	BindAddress     string        `json:"bind_address" mapstructure:"bind_address"`
	Port            int           `json:"port" mapstructure:"port"`
	UnitID          uint8         `json:"unit_id" mapstructure:"unit_id"`
	RegisterCount   int           `json:"register_count" mapstructure:"register_count"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// RelayConfig 出站會話配置 (保護電驛端)
type RelayConfig struct {
	Host             string        `json:"host" mapstructure:"host"`
	Port             int           `json:"port" mapstructure:"port"`
	LogicalDevice    string        `json:"logical_device" mapstructure:"logical_device"`
	ConnectTimeout   time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BaseBackoff      time.Duration `json:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
	JitterFactor     float64       `json:"jitter_factor" mapstructure:"jitter_factor"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
}

// MappingConfig 量測映射配置
type MappingConfig struct {
	StaleAfter   time.Duration       `json:"stale_after" mapstructure:"stale_after"`
	Measurements []MeasurementConfig `json:"measurements" mapstructure:"measurements"`
}

// MeasurementConfig 單筆量測的靜態定義
//
// 縮放因子必須與生產者的編碼完全一致，協議層無法偵測不匹配，
// 由契約測試覆蓋。
type MeasurementConfig struct {
	Name             string  `json:"name" mapstructure:"name"`
	Slot             uint16  `json:"slot" mapstructure:"slot"`
	Kind             string  `json:"kind" mapstructure:"kind"`
	Scale            float64 `json:"scale" mapstructure:"scale"`
	Unit             string  `json:"unit" mapstructure:"unit"`
	Min              float64 `json:"min" mapstructure:"min"`
	Max              float64 `json:"max" mapstructure:"max"`
	Attribute        string  `json:"attribute" mapstructure:"attribute"`
	QualityAttribute string  `json:"quality_attribute" mapstructure:"quality_attribute"`
}

// ScheduleConfig 更新排程配置
type ScheduleConfig struct {
	Interval      time.Duration `json:"interval" mapstructure:"interval"`
	WakeOnWrite   bool          `json:"wake_on_write" mapstructure:"wake_on_write"`
	StatsInterval time.Duration `json:"stats_interval" mapstructure:"stats_interval"`
}

// NetworkConfig 網路配置 (閘道主機的 IP 別名)
type NetworkConfig struct {
	Interface string   `json:"interface" mapstructure:"interface"`
	Aliases   []string `json:"aliases" mapstructure:"aliases"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
//
// 預設映射表對應生產者的 8 暫存器遙測區塊。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			Port:            ModbusTCPDefaultPort,
			UnitID:          1,
			RegisterCount:   100,
			GracefulTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			Host:             "192.168.1.21",
			Port:             MMSDefaultPort,
			LogicalDevice:    "LD0",
			ConnectTimeout:   10 * time.Second,
			WriteTimeout:     5 * time.Second,
			BaseBackoff:      1 * time.Second,
			MaxBackoff:       60 * time.Second,
			JitterFactor:     0.2,
			FailureThreshold: 3,
		},
		Mapping: MappingConfig{
			StaleAfter: 30 * time.Second,
			Measurements: []MeasurementConfig{
				{Name: "P_ac", Slot: 0, Kind: "float", Scale: 1, Unit: "W", Min: 0, Max: 10000,
					Attribute: "MMXU1$MX$TotW$mag$f", QualityAttribute: "MMXU1$MX$TotW$q"},
				{Name: "P_dc", Slot: 1, Kind: "float", Scale: 1, Unit: "W", Min: 0, Max: 10000,
					Attribute: "GGIO1$MX$AnIn1$mag$f"},
				{Name: "V_dc", Slot: 2, Kind: "float", Scale: 10, Unit: "V", Min: 0, Max: 100,
					Attribute: "MMXU1$MX$PhV$phsA$cVal$mag$f", QualityAttribute: "MMXU1$MX$PhV$phsA$q"},
				{Name: "I_dc", Slot: 3, Kind: "float", Scale: 100, Unit: "A", Min: 0, Max: 50,
					Attribute: "MMXU1$MX$A$phsA$cVal$mag$f", QualityAttribute: "MMXU1$MX$A$phsA$q"},
				{Name: "G", Slot: 4, Kind: "float", Scale: 1, Unit: "W/m2", Min: 0, Max: 1500,
					Attribute: "GGIO1$MX$AnIn2$mag$f"},
				{Name: "T_cell", Slot: 5, Kind: "float", Scale: 10, Unit: "degC", Min: 0, Max: 100,
					Attribute: "GGIO1$MX$AnIn3$mag$f"},
				{Name: "Timestamp", Slot: 6, Kind: "timestamp",
					Attribute: "MMXU1$MX$TotW$t"},
			},
		},
		Schedule: ScheduleConfig{
			Interval:      1 * time.Second,
			WakeOnWrite:   true,
			StatsInterval: 60 * time.Second,
		},
		Network: NetworkConfig{
			Interface: "eth0",
			Aliases:   []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/subgw/")
		viper.AddConfigPath("$HOME/.subgw/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("SUBGW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
//
// 映射表錯誤在啟動時即中止，重試無法修復配置錯誤。
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的入站埠號: %d", c.Server.Port)
	}

	if c.Server.UnitID < 1 {
		return fmt.Errorf("無效的 Unit ID: %d", c.Server.UnitID)
	}

	if c.Server.RegisterCount < 1 || c.Server.RegisterCount > 65536 {
		return fmt.Errorf("無效的暫存器表大小: %d", c.Server.RegisterCount)
	}

	if c.Relay.Host == "" {
		return fmt.Errorf("必須指定電驛位址")
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("無效的電驛埠號: %d", c.Relay.Port)
	}

	if c.Relay.FailureThreshold < 1 {
		return fmt.Errorf("失敗門檻必須大於 0: %d", c.Relay.FailureThreshold)
	}

	if c.Relay.BaseBackoff <= 0 || c.Relay.MaxBackoff < c.Relay.BaseBackoff {
		return fmt.Errorf("無效的重連退避區間: base=%v max=%v", c.Relay.BaseBackoff, c.Relay.MaxBackoff)
	}

	if c.Relay.JitterFactor < 0 || c.Relay.JitterFactor > 1 {
		return fmt.Errorf("抖動係數必須介於 0 與 1: %v", c.Relay.JitterFactor)
	}

	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("更新週期必須大於 0: %v", c.Schedule.Interval)
	}

	if len(c.Mapping.Measurements) == 0 {
		return fmt.Errorf("映射表不可為空")
	}

	seen := make(map[string]bool)
	for i, m := range c.Mapping.Measurements {
		if err := m.Validate(c.Server.RegisterCount); err != nil {
			return fmt.Errorf("量測 #%d (%s): %w", i, m.Name, err)
		}
		if seen[m.Name] {
			return fmt.Errorf("重複的量測名稱: %s", m.Name)
		}
		seen[m.Name] = true
	}

	for _, alias := range c.Network.Aliases {
		if net.ParseIP(alias) == nil {
			return fmt.Errorf("無效的 IP 別名: %s", alias)
		}
	}

	return nil
}

// Validate 驗證單筆量測定義
func (m *MeasurementConfig) Validate(registerCount int) error {
	if m.Name == "" {
		return fmt.Errorf("名稱不可為空")
	}

	kind, ok := ParseMeasurementKind(m.Kind)
	if !ok {
		return fmt.Errorf("未知的量測類型: %s", m.Kind)
	}

	// 單一 16-bit 暫存器沒有紀元脈絡，不可宣告為 timestamp；
	// 只攜帶低位時間戳的映射應使用 counter (僅供相對排序)。
	if kind != KindTimestamp && kind.SlotCount() != 1 {
		return fmt.Errorf("量測類型 %s 佔用暫存器數量錯誤", m.Kind)
	}

	if kind != KindTimestamp && m.Scale <= 0 {
		return fmt.Errorf("縮放因子必須大於 0: %v", m.Scale)
	}

	if int(m.Slot)+kind.SlotCount() > registerCount {
		return fmt.Errorf("暫存器位址超出表格: slot=%d count=%d 表格大小=%d", m.Slot, kind.SlotCount(), registerCount)
	}

	if m.Min > m.Max {
		return fmt.Errorf("無效的有效範圍: min=%v max=%v", m.Min, m.Max)
	}

	if m.Attribute == "" {
		return fmt.Errorf("必須指定目標屬性參照")
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// AliasIPs 解析已配置的 IP 別名
func (c *Config) AliasIPs() ([]net.IP, error) {
	var ips []net.IP
	for _, alias := range c.Network.Aliases {
		ip := net.ParseIP(alias)
		if ip == nil {
			return nil, fmt.Errorf("無效的 IP 別名: %s", alias)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
