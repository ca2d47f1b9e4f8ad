package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 網路配置器介面
//
// 在閘道器主機上配置額外的 IP 別名，讓閘道器能以
// 變電站網段內的固定位址對外服務。
type NetworkProvisioner interface {
	// Setup 設置 IP 別名
	Setup(ctx context.Context, aliases []net.IP) error

	// Teardown 移除 IP 別名
	Teardown(ctx context.Context) error

	// List 列出已配置的 IP
	List(ctx context.Context) ([]net.IP, error)
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
	ConfiguredIPs []net.IP
}
