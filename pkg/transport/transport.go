// Package transport 定义网格出站HTTP调用的边界，并提供基于resty的实现
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// Request 出站请求
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response 出站响应
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Transport 发送请求并返回状态码、响应头与响应体
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// ErrClosed 传输已关闭
var ErrClosed = errors.New("传输已关闭")

// Options 传输配置
type Options struct {
	Timeout      time.Duration
	MaxIdleConns int
	UserAgent    string
}

// RestyTransport 基于resty的传输实现；网格自身不做重试，重试次数固定为0
type RestyTransport struct {
	client *resty.Client
	logger config.Logger
	closed chan struct{}
}

// NewRestyTransport 创建传输，连接池来自retryablehttp的池化Transport
func NewRestyTransport(opts Options, logger config.Logger) *RestyTransport {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	pooled := retryClient.HTTPClient.Transport
	if t, ok := pooled.(*http.Transport); ok && opts.MaxIdleConns > 0 {
		t.MaxIdleConns = opts.MaxIdleConns
		t.MaxIdleConnsPerHost = opts.MaxIdleConns
	}

	client := resty.New().
		SetRetryCount(0).
		SetLogger(restyLogger{logger}).
		SetTransport(pooled)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &RestyTransport{
		client: client,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Send 发送请求；非2xx状态码不视为错误
func (t *RestyTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	r := t.client.R().SetContext(ctx).SetHeaders(req.Headers)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("请求 %s %s 失败: %w", method, req.URL, err)
	}

	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Headers:    headers,
		Body:       resp.Body(),
	}, nil
}

// Close 关闭空闲连接，之后的Send返回ErrClosed
func (t *RestyTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	t.client.GetClient().CloseIdleConnections()
	t.logger.Debug("出站传输已关闭")
	return nil
}

// restyLogger 将resty日志转发到网格Logger
type restyLogger struct {
	logger config.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error("resty", zap.String("detail", fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn("resty", zap.String("detail", fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug("resty", zap.String("detail", fmt.Sprintf(format, v...)))
}
