package registry

import "errors"

// RegistryError 注册表操作可能返回的错误类型
type RegistryError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *RegistryError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// IsInvalidArgument 判断是否为参数无效错误
func IsInvalidArgument(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrInvalidArgument
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrNotFound
}
