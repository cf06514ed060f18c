package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// DNSOptions DNS发现配置
type DNSOptions struct {
	// Server DNS服务器地址 host:port
	Server string
	// Domain 服务所在域，如 service.local
	Domain string
	// Protocol "udp" 或 "tcp"
	Protocol string
	// Services 需要解析的逻辑服务名
	Services []string
	// Timeout 单次查询超时
	Timeout time.Duration
}

// DNSDiscoverer 通过 _<service>._tcp.<domain> 的SRV记录发现实例
type DNSDiscoverer struct {
	opts   DNSOptions
	client *dns.Client
	logger config.Logger
}

// NewDNSDiscoverer 创建DNS发现源
func NewDNSDiscoverer(opts DNSOptions, logger config.Logger) *DNSDiscoverer {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	return &DNSDiscoverer{
		opts:   opts,
		client: &dns.Client{Net: opts.Protocol, Timeout: opts.Timeout},
		logger: logger,
	}
}

// srvName 生成服务的SRV查询名
func (d *DNSDiscoverer) srvName(service string) string {
	return dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", service, strings.Trim(d.opts.Domain, ".")))
}

// Discover 实现Discoverer接口；单个服务解析失败时跳过该服务并在错误中汇总
func (d *DNSDiscoverer) Discover(ctx context.Context) ([]Service, error) {
	services := make([]Service, 0, len(d.opts.Services))
	var errs []error

	for _, name := range d.opts.Services {
		instances, err := d.lookup(ctx, name)
		if err != nil {
			d.logger.Warn("DNS服务发现失败", zap.String("service", name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		services = append(services, Service{Name: name, Instances: instances})
	}
	sortServices(services)

	return services, errors.Join(errs...)
}

func (d *DNSDiscoverer) lookup(ctx context.Context, service string) ([]Instance, error) {
	qname := d.srvName(service)

	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeSRV)
	m.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	r, _, err := d.client.ExchangeContext(ctx, m, d.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("解析服务[%s]失败: %w", qname, err)
	}

	switch r.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		// 域名不存在表示服务当前没有实例
		return nil, nil
	default:
		return nil, fmt.Errorf("解析服务[%s]失败: %s", qname, dns.RcodeToString[r.Rcode])
	}

	// 附加段中的A记录
	addrs := make(map[string]string)
	for _, rr := range r.Extra {
		if a, ok := rr.(*dns.A); ok {
			addrs[strings.ToLower(a.Hdr.Name)] = a.A.String()
		}
	}

	instances := make([]Instance, 0, len(r.Answer))
	for _, rr := range r.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host, ok := addrs[strings.ToLower(srv.Target)]
		if !ok {
			host = strings.TrimSuffix(srv.Target, ".")
		}
		instances = append(instances, Instance{
			Host:   host,
			Port:   int(srv.Port),
			Weight: int(srv.Weight),
			Metadata: map[string]string{
				"dns_target":   srv.Target,
				"dns_priority": fmt.Sprintf("%d", srv.Priority),
			},
		})
	}

	return instances, nil
}
