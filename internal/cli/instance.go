package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/etcdclient"
)

var instanceOpts struct {
	service   string
	id        string
	host      string
	port      int
	basePath  string
	weight    int
	ttl       int64
	keepalive bool
	metadata  map[string]string
}

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "管理etcd实例目录",
}

var instanceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "在etcd中注册服务实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		if instanceOpts.keepalive && instanceOpts.ttl <= 0 {
			return fmt.Errorf("--keepalive 需要 --ttl 大于0")
		}
		return withEtcd(cmd.Context(), func(ctx context.Context, client etcdclient.Client) error {
			if instanceOpts.id == "" {
				instanceOpts.id = uuid.NewString()
			}
			instance := &etcdclient.ServiceInstance{
				ServiceName: instanceOpts.service,
				InstanceID:  instanceOpts.id,
				IPAddress:   instanceOpts.host,
				Port:        instanceOpts.port,
				BasePath:    instanceOpts.basePath,
				Weight:      instanceOpts.weight,
				Metadata:    instanceOpts.metadata,
			}
			if err := client.RegisterInstance(ctx, instance, instanceOpts.ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已注册 %s/%s\n", instance.ServiceName, instance.InstanceID)
			if !instanceOpts.keepalive {
				return nil
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			heartbeat(sigCtx, client, instance, instanceOpts.ttl)

			// 退出时注销实例
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.DeregisterInstance(deregCtx, instance.ServiceName, instance.InstanceID)
		})
	},
}

var instanceDeregisterCmd = &cobra.Command{
	Use:   "deregister",
	Short: "从etcd中注销服务实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		if instanceOpts.id == "" {
			return fmt.Errorf("必须指定 --id")
		}
		return withEtcd(cmd.Context(), func(ctx context.Context, client etcdclient.Client) error {
			if err := client.DeregisterInstance(ctx, instanceOpts.service, instanceOpts.id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已注销 %s/%s\n", instanceOpts.service, instanceOpts.id)
			return nil
		})
	},
}

func init() {
	pf := instanceCmd.PersistentFlags()
	pf.StringVar(&instanceOpts.service, "service", "", "服务名")
	pf.StringVar(&instanceOpts.id, "id", "", "实例ID，注册时默认生成")
	_ = instanceCmd.MarkPersistentFlagRequired("service")

	f := instanceRegisterCmd.Flags()
	f.StringVar(&instanceOpts.host, "host", "", "实例地址")
	f.IntVar(&instanceOpts.port, "port", 0, "实例端口")
	f.StringVar(&instanceOpts.basePath, "base-path", "", "路径前缀")
	f.IntVar(&instanceOpts.weight, "weight", 0, "权重")
	f.Int64Var(&instanceOpts.ttl, "ttl", 0, "租约TTL（秒），0表示不过期")
	f.BoolVar(&instanceOpts.keepalive, "keepalive", false, "保持运行并按TTL的三分之一周期续约，退出时注销")
	f.StringToStringVar(&instanceOpts.metadata, "meta", nil, "元数据，形如 zone=a")
	_ = instanceRegisterCmd.MarkFlagRequired("host")
	_ = instanceRegisterCmd.MarkFlagRequired("port")

	instanceCmd.AddCommand(instanceRegisterCmd, instanceDeregisterCmd)
	rootCmd.AddCommand(instanceCmd)
}

// heartbeat 周期性重新注册实例以续约，直到ctx取消；单次失败在下个周期重试
func heartbeat(ctx context.Context, client etcdclient.Client, instance *etcdclient.ServiceInstance, ttl int64) {
	interval := time.Duration(ttl) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.RegisterInstance(ctx, instance, ttl); err != nil {
				fmt.Fprintf(os.Stderr, "续约失败: %v, 将在下一个周期重试\n", err)
			}
		}
	}
}

// withEtcd 按配置连接etcd后执行fn
func withEtcd(ctx context.Context, fn func(ctx context.Context, client etcdclient.Client) error) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	client := etcdclient.NewEtcdClient(cfg, config.NewNopLogger())
	if err := client.Connect(); err != nil {
		return fmt.Errorf("连接etcd失败: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx, client)
}
