// Package dnsserver 以DNS形式发布网格端点，供不经过网格的客户端解析
package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// EndpointSource 提供待发布的服务端点
type EndpointSource interface {
	GetEndpoints(service string) []model.ServiceEndpoint
}

// Options DNS应答服务配置
type Options struct {
	ListenAddress string
	Port          int
	Protocol      string // "udp", "tcp", 或 "both"
	Domain        string
	TTL           uint32
}

// OptionsFromConfig 从应用配置构建选项
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ListenAddress: cfg.DNSServer.ListenAddress,
		Port:          cfg.DNSServer.Port,
		Protocol:      cfg.DNSServer.Protocol,
		Domain:        cfg.DNSServer.Domain,
		TTL:           cfg.DNSServer.TTL,
	}
}

// DNSServer 基于端点源应答SRV、A与AAAA查询
//
//	_<service>._tcp.<domain>  SRV，目标为 <host>.<service>.<domain>，附加段带地址记录
//	<service>.<domain>        A/AAAA，全部可用端点的地址
//
// 不健康的端点不发布；全部不健康时退回全量列表，与负载均衡的选择行为一致。
type DNSServer struct {
	opts   Options
	zone   string
	source EndpointSource
	logger config.Logger

	udpServer *dns.Server
	tcpServer *dns.Server
}

// NewDNSServer 创建DNS应答服务
func NewDNSServer(opts Options, source EndpointSource, logger config.Logger) *DNSServer {
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.TTL == 0 {
		opts.TTL = 10
	}
	return &DNSServer{
		opts:   opts,
		zone:   dns.Fqdn(strings.ToLower(strings.Trim(opts.Domain, "."))),
		source: source,
		logger: logger,
	}
}

// Start 绑定端口并在后台提供服务；绑定失败时同步返回错误
func (s *DNSServer) Start() error {
	addr := net.JoinHostPort(s.opts.ListenAddress, strconv.Itoa(s.opts.Port))
	s.logger.Info("启动DNS应答服务",
		zap.String("address", addr),
		zap.String("protocol", s.opts.Protocol),
		zap.String("zone", s.zone))

	mux := dns.NewServeMux()
	mux.HandleFunc(s.zone, s.handleDNSRequest)

	switch s.opts.Protocol {
	case "udp":
		return s.startUDPServer(addr, mux)
	case "tcp":
		return s.startTCPServer(addr, mux)
	case "both":
		if err := s.startUDPServer(addr, mux); err != nil {
			return err
		}
		return s.startTCPServer(addr, mux)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.opts.Protocol)
	}
}

func (s *DNSServer) startUDPServer(addr string, handler dns.Handler) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		s.logger.Error("监听UDP端口失败", zap.String("addr", addr), zap.Error(err))
		return fmt.Errorf("监听UDP端口失败: %w", err)
	}
	s.udpServer = &dns.Server{PacketConn: pc, Handler: handler}

	go func() {
		if err := s.udpServer.ActivateAndServe(); err != nil {
			s.logger.Error("UDP DNS服务器错误", zap.Error(err))
		}
	}()
	return nil
}

func (s *DNSServer) startTCPServer(addr string, handler dns.Handler) error {
	// both模式下沿用UDP实际绑定的端口
	if s.udpServer != nil && s.opts.Port == 0 {
		addr = s.udpServer.PacketConn.LocalAddr().String()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("监听TCP端口失败", zap.String("addr", addr), zap.Error(err))
		return fmt.Errorf("监听TCP端口失败: %w", err)
	}
	s.tcpServer = &dns.Server{Listener: l, Handler: handler}

	go func() {
		if err := s.tcpServer.ActivateAndServe(); err != nil {
			s.logger.Error("TCP DNS服务器错误", zap.Error(err))
		}
	}()
	return nil
}

// Addr 返回实际监听地址，未启动时为空
func (s *DNSServer) Addr() string {
	if s.udpServer != nil {
		return s.udpServer.PacketConn.LocalAddr().String()
	}
	if s.tcpServer != nil {
		return s.tcpServer.Listener.Addr().String()
	}
	return ""
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS应答服务...")

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	return nil
}

// handleDNSRequest 处理DNS请求
func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("client", w.RemoteAddr().String()))

		if !s.answer(q, m) {
			m.SetRcode(r, dns.RcodeNameError)
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// answer 填充单个问题的应答，名称不存在时返回false
func (s *DNSServer) answer(q dns.Question, m *dns.Msg) bool {
	name := strings.ToLower(q.Name)
	if !dns.IsSubDomain(s.zone, name) || name == s.zone {
		return false
	}
	rel := strings.TrimSuffix(strings.TrimSuffix(name, s.zone), ".")
	labels := strings.Split(rel, ".")

	switch {
	// _<service>._tcp
	case len(labels) == 2 && labels[1] == "_tcp" && strings.HasPrefix(labels[0], "_"):
		eps := s.publishable(strings.TrimPrefix(labels[0], "_"))
		if len(eps) == 0 {
			return false
		}
		if q.Qtype == dns.TypeSRV {
			for _, ep := range eps {
				m.Answer = append(m.Answer, s.srv(name, ep))
				if rr := s.address(s.target(ep), ep.Host); rr != nil {
					m.Extra = append(m.Extra, rr)
				}
			}
		}
		return true

	// <service>
	case len(labels) == 1:
		eps := s.publishable(labels[0])
		if len(eps) == 0 {
			return false
		}
		s.appendAddresses(q, name, eps, m)
		return true

	// <host>.<service>，SRV目标
	case len(labels) >= 2:
		service := labels[len(labels)-1]
		for _, ep := range s.publishable(service) {
			if s.target(ep) == name {
				s.appendAddresses(q, name, []model.ServiceEndpoint{ep}, m)
				return true
			}
		}
		return false
	}
	return false
}

func (s *DNSServer) appendAddresses(q dns.Question, name string, eps []model.ServiceEndpoint, m *dns.Msg) {
	for _, ep := range eps {
		rr := s.address(name, ep.Host)
		if rr == nil || rr.Header().Rrtype != q.Qtype {
			continue
		}
		m.Answer = append(m.Answer, rr)
	}
}

// publishable 返回可发布的端点
func (s *DNSServer) publishable(service string) []model.ServiceEndpoint {
	all := s.source.GetEndpoints(service)
	eps := make([]model.ServiceEndpoint, 0, len(all))
	for _, ep := range all {
		if ep.Status != model.HealthStatusUnhealthy {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return all
	}
	return eps
}

// target 返回端点的SRV目标名；主机名端点直接使用主机名
func (s *DNSServer) target(ep model.ServiceEndpoint) string {
	if net.ParseIP(ep.Host) == nil {
		return dns.Fqdn(strings.ToLower(ep.Host))
	}
	label := strings.NewReplacer(".", "-", ":", "-").Replace(ep.Host)
	return fmt.Sprintf("%s.%s.%s", label, strings.ToLower(ep.ServiceName), s.zone)
}

func (s *DNSServer) srv(name string, ep model.ServiceEndpoint) dns.RR {
	weight := ep.Weight
	if weight > 0xffff {
		weight = 0xffff
	}
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: s.opts.TTL},
		Priority: 10,
		Weight:   uint16(weight),
		Port:     uint16(ep.Port),
		Target:   s.target(ep),
	}
}

// address 为IP主机生成A或AAAA记录，主机名返回nil
func (s *DNSServer) address(name, host string) dns.RR {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.opts.TTL},
			A:   v4,
		}
	}
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: s.opts.TTL},
		AAAA: ip,
	}
}
