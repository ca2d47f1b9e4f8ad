package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "subgw",
	Short: "變電站協議閘道器",
	Long: `在 Modbus TCP 生產者與會話式屬性寫入消費者之間
轉送遙測資料的協議閘道器。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 初始化日誌
		var err error
		logger, err = initLogger()
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		// 載入配置 (除了 version 和 help 命令)
		// 配置檔不存在時 LoadConfig 回傳預設值；
		// 讀取或驗證失敗是配置錯誤，重試無法修復，直接中止
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("載入配置失敗: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動閘道器",
	Long:  "啟動協議閘道器，監聽入站 Modbus TCP 並轉送至消費者。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Server.Port = port
		}
		if relay, _ := cmd.Flags().GetString("relay"); relay != "" {
			appConfig.Relay.Host = relay
		}

		logger.Info("啟動協議閘道器",
			zap.Int("port", appConfig.Server.Port),
			zap.String("relay", appConfig.Relay.Host),
		)

		// 建立閘道器
		gateway := NewGateway(appConfig, logger)

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		// 啟動閘道器
		if err := gateway.Start(ctx); err != nil {
			return fmt.Errorf("啟動閘道器失敗: %w", err)
		}

		// 寫入 PID 檔案
		if pidFile, _ := cmd.Flags().GetString("pid-file"); pidFile != "" {
			if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
				logger.Warn("寫入 PID 檔案失敗", zap.Error(err))
			}
		}

		// 啟動指標收集器
		if appConfig.Metrics.Enabled {
			metrics := NewMetricsCollector(gateway, gateway.Stats(), logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if err := gateway.Stop(shutdownCtx); err != nil {
			logger.Error("關閉閘道器失敗", zap.Error(err))
			return err
		}

		logger.Info("閘道器已停止")
		return nil
	},
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止閘道器",
	Long:  "停止正在運行的協議閘道器。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 透過向 PID 發送信號來停止
		pidFile, _ := cmd.Flags().GetString("pid-file")

		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("讀取 PID 檔案失敗: %w", err)
		}

		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
			return fmt.Errorf("解析 PID 失敗: %w", err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Printf("已發送停止信號到 PID %d\n", pid)
		return nil
	},
}

// testConnectionCmd 測試連線命令
var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "測試消費者連線",
	Long:  "對配置的消費者嘗試建立一次會話後立即結束，用於部署驗收。",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewMMSClient(appConfig.Relay, logger)

		ctx, cancel := context.WithTimeout(context.Background(), appConfig.Relay.ConnectTimeout)
		defer cancel()

		fmt.Printf("正在連線 %s:%d ...\n", appConfig.Relay.Host, appConfig.Relay.Port)

		if err := client.Connect(ctx); err != nil {
			fmt.Println("連線失敗")
			return err
		}
		defer client.Close()

		fmt.Println("連線成功，會話已建立")
		return nil
	},
}

// sendCmd 發送測試資料命令
var sendCmd = &cobra.Command{
	Use:   "send [values...]",
	Short: "發送測試暫存器值",
	Long: `以 Modbus TCP 客戶端身分向運行中的閘道器寫入暫存器，
用於端對端測試。值依序寫入自 --address 起的連續暫存器。`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		address, _ := cmd.Flags().GetUint16("address")
		if target == "" {
			target = fmt.Sprintf("127.0.0.1:%d", appConfig.Server.Port)
		}

		values := make([]uint16, len(args))
		for i, arg := range args {
			v, err := strconv.ParseUint(arg, 10, 16)
			if err != nil {
				return fmt.Errorf("無效的暫存器值 %q: %w", arg, err)
			}
			values[i] = uint16(v)
		}

		handler := modbus.NewTCPClientHandler(target)
		handler.Timeout = 5 * time.Second
		handler.SlaveId = appConfig.Server.UnitID
		if err := handler.Connect(); err != nil {
			return fmt.Errorf("連線 %s 失敗: %w", target, err)
		}
		defer handler.Close()

		client := modbus.NewClient(handler)
		if _, err := client.WriteMultipleRegisters(address, uint16(len(values)), RegistersToBytes(values)); err != nil {
			return fmt.Errorf("寫入暫存器失敗: %w", err)
		}

		fmt.Printf("已寫入 %d 個暫存器至 %s (起始位址 %d)\n", len(values), target, address)
		return nil
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理閘道主機的 IP 別名。",
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "建立 IP 別名",
	Long:  "在指定的網路介面上建立配置的 IP 別名。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		aliases, err := appConfig.AliasIPs()
		if err != nil {
			return err
		}
		if len(aliases) == 0 {
			fmt.Println("配置中沒有 IP 別名")
			return nil
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, aliases); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Println("IP 別名設置完成")
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除 IP 別名",
	Long:  "移除已配置的 IP 別名。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Println("IP 別名已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已配置 IP",
	Long:  "列出目前已配置的 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("目前沒有配置 IP 別名")
			return nil
		}

		fmt.Printf("已配置的 IP (%d 個):\n", len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Port: %d\n", cfg.Server.Port)
		fmt.Printf("  Unit ID: %d\n", cfg.Server.UnitID)
		fmt.Printf("  Relay: %s:%d\n", cfg.Relay.Host, cfg.Relay.Port)
		fmt.Printf("  Measurements: %d\n", len(cfg.Mapping.Measurements))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subgw version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// start 命令 flags
	startCmd.Flags().IntP("port", "p", 0, "入站監聽埠號")
	startCmd.Flags().StringP("relay", "r", "", "消費者位址")
	startCmd.Flags().String("pid-file", "", "PID 檔案路徑")

	// stop 命令 flags
	stopCmd.Flags().String("pid-file", "/var/run/subgw.pid", "PID 檔案路徑")

	// send 命令 flags
	sendCmd.Flags().StringP("target", "t", "", "閘道器位址 (預設 127.0.0.1:<port>)")
	sendCmd.Flags().Uint16P("address", "a", 0, "起始暫存器位址")

	// network 命令 flags
	networkSetupCmd.Flags().StringP("interface", "i", "", "網路介面")
	networkTeardownCmd.Flags().StringP("interface", "i", "", "網路介面")
	networkListCmd.Flags().StringP("interface", "i", "", "網路介面")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		testConnectionCmd,
		sendCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
