package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/apihandler"
	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/dnsserver"
	"github.com/hewenyu/kong-mesh/pkg/discovery"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动服务网格与管理API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return err
	}

	logger, err := config.NewLoggerWithLevel(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return err
	}
	defer func() {
		if zl, ok := logger.(*config.ZapLogger); ok {
			_ = zl.Sync()
		}
	}()

	logger.Info("Kong Mesh Starting...",
		zap.String("tenant", cfg.Mesh.Tenant),
		zap.String("discovery", cfg.Discovery.Type),
		zap.Int("admin_api_port", cfg.API.Admin.Port))

	d, closeDiscovery, err := discovery.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Error("创建服务发现失败", zap.Error(err))
		return err
	}
	defer func() {
		if err := closeDiscovery(); err != nil {
			logger.Warn("关闭服务发现失败", zap.Error(err))
		}
	}()

	m := mesh.New(mesh.SettingsFromConfig(cfg), logger, mesh.WithDiscoverer(d))

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	err = m.Initialize(ctx)
	cancel()
	if err != nil {
		logger.Error("服务网格初始化失败", zap.Error(err))
		return err
	}

	var dnsServer *dnsserver.DNSServer
	if cfg.DNSServer.Enabled {
		dnsServer = dnsserver.NewDNSServer(dnsserver.OptionsFromConfig(cfg), m.Registry(), logger)
		if err := dnsServer.Start(); err != nil {
			logger.Error("启动DNS应答服务失败", zap.Error(err))
			_ = m.Shutdown(context.Background())
			return err
		}
	}

	api := apihandler.NewAPIHandler(cfg, logger, m)
	if err := api.StartAdminAPI(); err != nil {
		logger.Error("启动管理API失败", zap.Error(err))
		_ = m.Shutdown(context.Background())
		return err
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭管理API出错", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("关闭DNS应答服务出错", zap.Error(err))
		}
	}
	return m.Shutdown(shutdownCtx)
}
