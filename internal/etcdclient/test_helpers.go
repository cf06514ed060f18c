package etcdclient

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// EtcdEndpointsEnv 集成测试使用的etcd地址环境变量
const EtcdEndpointsEnv = "KONG_MESH_ETCD_ENDPOINTS"

// CreateEtcdClientForTest 创建并连接真实的etcd客户端，未设置环境变量时跳过测试
// 这是一个导出函数，可以被其他包使用
func CreateEtcdClientForTest(t *testing.T, prefix string) *EtcdClient {
	t.Helper()

	endpoints := os.Getenv(EtcdEndpointsEnv)
	if endpoints == "" {
		t.Skipf("未设置%s，跳过etcd集成测试", EtcdEndpointsEnv)
	}

	cfg := &config.Config{}
	cfg.Discovery.Etcd.Endpoints = strings.Split(endpoints, ",")
	cfg.Discovery.Etcd.Prefix = prefix

	logger, err := config.NewLogger(true)
	require.NoError(t, err, "创建测试日志记录器失败")

	client := NewEtcdClient(cfg, logger)
	require.NoError(t, client.Connect(), "连接etcd失败")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx), "Ping etcd失败")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = client.Raw().Delete(ctx, client.Prefix(), clientv3.WithPrefix())
		_ = client.Close()
	})

	return client
}
