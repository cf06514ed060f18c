package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderTraceID 链路ID请求头
	HeaderTraceID = "X-Trace-Id"
	// HeaderSpanID 跨度ID请求头
	HeaderSpanID = "X-Span-Id"
	// HeaderCallID 调用ID请求头
	HeaderCallID = "X-Mesh-Call-Id"
	// HeaderSource 源服务标记
	HeaderSource = "X-Mesh-Source"
	// HeaderTenant 租户标记
	HeaderTenant = "X-Mesh-Tenant"
)

// ServiceCall 一次服务调用的不可变记录
type ServiceCall struct {
	CallID             string            `json:"call_id"`
	SourceService      string            `json:"source_service"`
	DestinationService string            `json:"destination_service"`
	Method             string            `json:"method"`
	Path               string            `json:"path"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               []byte            `json:"body,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	TraceID            string            `json:"trace_id"`
	SpanID             string            `json:"span_id"`
}

// NewServiceCall 创建调用记录，调用方携带的链路ID会被沿用
func NewServiceCall(source, destination, method, path string, headers map[string]string, body []byte, now time.Time) ServiceCall {
	traceID := LookupHeader(headers, HeaderTraceID)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}

	return ServiceCall{
		CallID:             uuid.New().String(),
		SourceService:      source,
		DestinationService: destination,
		Method:             method,
		Path:               path,
		Headers:            copied,
		Body:               body,
		Timestamp:          now,
		TraceID:            traceID,
		SpanID:             uuid.New().String(),
	}
}

// meshHeaders 由网格写入的出站请求头
var meshHeaders = []string{HeaderSource, HeaderTenant, HeaderTraceID, HeaderSpanID, HeaderCallID}

func isMeshHeader(name string) bool {
	for _, h := range meshHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// OutboundHeaders 返回附加网格标记后的出站请求头；调用方提供的同名请求头（不区分大小写）被网格标记覆盖
func (c ServiceCall) OutboundHeaders(tenant string) map[string]string {
	out := make(map[string]string, len(c.Headers)+len(meshHeaders))
	for k, v := range c.Headers {
		if isMeshHeader(k) {
			continue
		}
		out[k] = v
	}
	out[HeaderSource] = c.SourceService
	out[HeaderTenant] = tenant
	out[HeaderTraceID] = c.TraceID
	out[HeaderSpanID] = c.SpanID
	out[HeaderCallID] = c.CallID
	return out
}

// CallResult 调用结果信封
type CallResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	CallID     string            `json:"call_id"`
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Endpoint   string            `json:"endpoint"`
	LatencyMs  float64           `json:"latency_ms"`
}

// LookupHeader 不区分大小写地查找请求头
func LookupHeader(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
