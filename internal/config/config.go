package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StaticInstance 静态配置的服务实例
type StaticInstance struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	BasePath string            `mapstructure:"base_path"`
	Weight   int               `mapstructure:"weight"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// StaticService 静态配置的服务
type StaticService struct {
	Name      string           `mapstructure:"name"`
	Instances []StaticInstance `mapstructure:"instances"`
}

// Config 应用程序配置结构
type Config struct {
	// 网格核心配置
	Mesh struct {
		Tenant              string        `mapstructure:"tenant"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		HealthCacheTTL      time.Duration `mapstructure:"health_cache_ttl"`
		ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
		ProbeConcurrency    int           `mapstructure:"probe_concurrency"`
		DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
		DiscoveryInterval   time.Duration `mapstructure:"discovery_interval"`
	} `mapstructure:"mesh"`

	// 熔断器配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Timeout          time.Duration `mapstructure:"timeout"`
	} `mapstructure:"breaker"`

	// 出站传输配置
	Transport struct {
		Timeout      time.Duration `mapstructure:"timeout"`
		MaxIdleConns int           `mapstructure:"max_idle_conns"`
		UserAgent    string        `mapstructure:"user_agent"`
	} `mapstructure:"transport"`

	// 服务发现配置
	Discovery struct {
		Type   string          `mapstructure:"type"` // "static", "etcd", 或 "dns"
		Static []StaticService `mapstructure:"static"`

		Etcd struct {
			Endpoints   []string      `mapstructure:"endpoints"`
			Username    string        `mapstructure:"username"`
			Password    string        `mapstructure:"password"`
			Prefix      string        `mapstructure:"prefix"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
			Watch       bool          `mapstructure:"watch"`
		} `mapstructure:"etcd"`

		DNS struct {
			Server   string        `mapstructure:"server"`
			Domain   string        `mapstructure:"domain"`
			Protocol string        `mapstructure:"protocol"`
			Services []string      `mapstructure:"services"`
			Timeout  time.Duration `mapstructure:"timeout"`
		} `mapstructure:"dns"`
	} `mapstructure:"discovery"`

	// API服务配置
	API struct {
		// 管理API端口配置
		Admin struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"admin"`
	} `mapstructure:"api"`

	// DNS应答服务配置，将网格端点以SRV/A记录发布
	DNSServer struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns_server"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-mesh")
		v.AddConfigPath("/etc/kong-mesh")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("KONG_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("熔断失败阈值必须大于0: %d", c.Breaker.FailureThreshold)
	}
	if c.Mesh.HealthCheckInterval <= 0 {
		return fmt.Errorf("健康检查间隔必须大于0: %s", c.Mesh.HealthCheckInterval)
	}
	switch c.Discovery.Type {
	case "", "static", "etcd", "dns":
	default:
		return fmt.Errorf("不支持的服务发现类型: %s", c.Discovery.Type)
	}
	if c.DNSServer.Enabled {
		switch c.DNSServer.Protocol {
		case "udp", "tcp", "both":
		default:
			return fmt.Errorf("不支持的DNS协议: %s", c.DNSServer.Protocol)
		}
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 网格默认配置
	v.SetDefault("mesh.tenant", "default")
	v.SetDefault("mesh.health_check_interval", 30*time.Second)
	v.SetDefault("mesh.health_cache_ttl", 30*time.Second)
	v.SetDefault("mesh.probe_timeout", 5*time.Second)
	v.SetDefault("mesh.probe_concurrency", 8)
	v.SetDefault("mesh.default_timeout", 30*time.Second)
	v.SetDefault("mesh.discovery_interval", 0)

	// 熔断器默认配置
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", 60*time.Second)

	// 传输默认配置
	v.SetDefault("transport.timeout", 30*time.Second)
	v.SetDefault("transport.max_idle_conns", 100)
	v.SetDefault("transport.user_agent", "kong-mesh")

	// 服务发现默认配置
	v.SetDefault("discovery.type", "static")
	v.SetDefault("discovery.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("discovery.etcd.username", "")
	v.SetDefault("discovery.etcd.password", "")
	v.SetDefault("discovery.etcd.prefix", "/services/")
	v.SetDefault("discovery.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("discovery.etcd.watch", true)
	v.SetDefault("discovery.dns.server", "127.0.0.1:53")
	v.SetDefault("discovery.dns.domain", "service.local")
	v.SetDefault("discovery.dns.protocol", "udp")
	v.SetDefault("discovery.dns.timeout", 2*time.Second)

	// API服务默认配置
	v.SetDefault("api.admin.listen_address", "0.0.0.0")
	v.SetDefault("api.admin.port", 9080)

	// DNS应答服务默认配置
	v.SetDefault("dns_server.enabled", false)
	v.SetDefault("dns_server.listen_address", "127.0.0.1")
	v.SetDefault("dns_server.port", 15353)
	v.SetDefault("dns_server.protocol", "udp")
	v.SetDefault("dns_server.domain", "mesh.local")
	v.SetDefault("dns_server.ttl", 10)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("mesh.tenant", "KONG_MESH_TENANT")
	v.BindEnv("breaker.failure_threshold", "KONG_MESH_BREAKER_THRESHOLD")
	v.BindEnv("discovery.type", "KONG_MESH_DISCOVERY")
	v.BindEnv("discovery.etcd.endpoints", "KONG_MESH_ETCD_ENDPOINTS")
	v.BindEnv("api.admin.port", "KONG_MESH_ADMIN_API_PORT")
	v.BindEnv("dns_server.enabled", "KONG_MESH_DNS_ENABLED")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-mesh/config.yaml",
		"/etc/kong-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
