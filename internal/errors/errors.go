// Package errors 定义系统内统一的错误类型：每个错误携带错误码、
// 可选元数据以及重试/告警/严重程度属性，业务包在 init 阶段注册
// 自己的错误码描述。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是跨模块稳定的错误码标识。
type Code string

// Severity 描述错误的严重程度，用于告警和审计分级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeChainFailure          Code = "CHAIN_CALL_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes 是错误码的默认行为：未显式覆盖时错误实例继承这些属性。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	Register(CodeUnknown, Attributes{Message: "unknown error", Severity: SeverityCritical, Alert: true})
	Register(CodeInvalidArgument, Attributes{Message: "invalid argument", Severity: SeverityInfo})
	Register(CodeNotFound, Attributes{Message: "resource not found", Severity: SeverityInfo})
	Register(CodeConflict, Attributes{Message: "resource conflict", Severity: SeverityWarning})
	Register(CodeInitializationFailure, Attributes{Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeStorageFailure, Attributes{Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true})
	Register(CodeQueueFailure, Attributes{Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true})
	Register(CodeChainFailure, Attributes{Message: "chain call failure", Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeTimeout, Attributes{Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true})
}

// Register 注册或覆盖一个错误码的默认属性。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认属性，未注册的码退回到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是统一错误类型。零值不可用，通过 New 或 Wrap 创建。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 在创建错误时覆盖默认属性。
type Option func(*Error)

// WithMetadata 附加一对键值元数据。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 覆盖错误码默认的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 以指定错误码创建错误，message 为空时使用注册的默认文案。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在底层错误外包裹统一错误类型，保留错误链。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	return ok && e.code == t.code
}

// Code 返回错误码，nil 接收者返回 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的文案。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 返回实例覆盖值，未覆盖时回退到错误码默认值。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 返回实例覆盖值，未覆盖时回退到错误码默认值。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回实例覆盖值，未覆盖时回退到错误码默认值。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 从任意 error 的错误链中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中统一错误的码，解析失败时返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
