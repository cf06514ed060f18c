// Package cli 实现 mesh 命令行
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Kong Mesh 进程内服务网格",
	Long: `Kong Mesh 为服务间调用提供负载均衡、熔断、健康检查与调用指标。

serve 启动网格与管理API；call 通过管理API发起一次网格调用；
instance 在etcd实例目录中注册或注销实例。`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")
}
