package capital

import (
	"fmt"

	"github.com/pkg/errors"
)

// 稳定错误码：调用方按 code 分支，message 仅供人读。
const (
	CodeConfigInvalid = "CONFIG_INVALID"

	CodeTradingDisabled = "TRADING_DISABLED"
	CodeDryRunEnabled   = "DRY_RUN_ENABLED"
	CodeConfirmRequired = "CONFIRM_REQUIRED"
	CodeEpicNotAllowed  = "EPIC_NOT_ALLOWED"
	CodeRiskLimit       = "RISK_LIMIT"

	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeSessionNotInitialized = "SESSION_NOT_INITIALIZED"
	CodeAuthFailed            = "AUTH_FAILED"

	CodeRateLimitedLocal = "RATE_LIMITED_LOCAL"

	CodeBrokerRejected  = "BROKER_REJECTED"
	CodeUpstreamError   = "UPSTREAM_ERROR"
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"

	CodePreviewNotFound     = "PREVIEW_NOT_FOUND"
	CodePreviewExpired      = "PREVIEW_EXPIRED"
	CodePreviewChecksFailed = "PREVIEW_CHECKS_FAILED"

	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternalError  = "INTERNAL_ERROR"
)

// GatewayError 带稳定错误码的网关错误。
// 约定：预期内的拒绝（限流超时、配置拒绝、预览过期等）都走这个类型，
// 不向边界抛裸异常；风控检查失败不是错误，用 RiskCheck 数据表达。
type GatewayError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError 创建 GatewayError
func NewError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// NewErrorf 创建带格式化消息的 GatewayError
func NewErrorf(code, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail 附加细节字段（返回自身便于链式）
func (e *GatewayError) WithDetail(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// ErrorCode 提取错误码；非 GatewayError 一律归为 INTERNAL_ERROR
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternalError
}

// IsCode 判断错误是否携带指定错误码
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// errTradingDisabled 等预置构造：消息与配置项对应，方便排障
func errTradingDisabled() *GatewayError {
	return NewError(CodeTradingDisabled, "Trading is disabled. Set trading.allow=true to enable.")
}

func errDryRun() *GatewayError {
	return NewError(CodeDryRunEnabled, "Dry-run mode is enabled. All trade executions are blocked.")
}

func errConfirmRequired() *GatewayError {
	return NewError(CodeConfirmRequired, "Explicit confirmation required. Set confirm=true.")
}

func errRateLimitedLocal(tier string) *GatewayError {
	return NewErrorf(CodeRateLimitedLocal, "Rate limit timeout on %s tier (no request was sent).", tier).
		WithDetail("tier", tier)
}
