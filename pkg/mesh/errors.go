package mesh

import (
	"errors"
	"net/http"
)

// ErrorCode 网格错误代码
type ErrorCode int

// 定义错误代码
const (
	// ErrCircuitOpen 目标服务熔断，未发起调用
	ErrCircuitOpen ErrorCode = iota + 1
	// ErrNoEndpoints 目标服务没有端点
	ErrNoEndpoints
	// ErrCallFailed 出站调用失败（含超时）
	ErrCallFailed
	// ErrNotInitialized 网格尚未初始化
	ErrNotInitialized
	// ErrShutdown 网格已关闭
	ErrShutdown
	// ErrAlreadyInitialized 重复初始化
	ErrAlreadyInitialized
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
)

// String 返回错误代码名称
func (c ErrorCode) String() string {
	switch c {
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrNoEndpoints:
		return "no_endpoints"
	case ErrCallFailed:
		return "call_failed"
	case ErrNotInitialized:
		return "not_initialized"
	case ErrShutdown:
		return "shutdown"
	case ErrAlreadyInitialized:
		return "already_initialized"
	case ErrInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// MeshError 网格操作返回的错误
type MeshError struct {
	Code    ErrorCode
	Message string
	Service string
	Err     error
}

// Error 实现error接口
func (e *MeshError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *MeshError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回错误对应的HTTP状态码
func (e *MeshError) HTTPStatus() int {
	switch e.Code {
	case ErrCircuitOpen, ErrShutdown:
		return http.StatusServiceUnavailable
	case ErrNoEndpoints:
		return http.StatusNotFound
	case ErrAlreadyInitialized:
		return http.StatusConflict
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrCallFailed, ErrNotInitialized:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func newError(code ErrorCode, service, message string, err error) *MeshError {
	return &MeshError{Code: code, Service: service, Message: message, Err: err}
}

// CodeOf 返回错误链中的网格错误代码，不是网格错误时返回0
func CodeOf(err error) ErrorCode {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return 0
}

// IsCircuitOpen 判断是否为熔断错误
func IsCircuitOpen(err error) bool {
	return CodeOf(err) == ErrCircuitOpen
}

// IsNoEndpoints 判断是否为无可用端点错误
func IsNoEndpoints(err error) bool {
	return CodeOf(err) == ErrNoEndpoints
}

// IsCallFailed 判断是否为调用失败错误
func IsCallFailed(err error) bool {
	return CodeOf(err) == ErrCallFailed
}
