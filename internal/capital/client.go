package capital

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/logger"
	"github.com/betbot/capgate/pkg/ratelimit"
)

const (
	headerAPIKey        = "X-CAP-API-KEY"
	headerCST           = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"

	// acquireTimeout 限流令牌获取超时：超时即本地拒绝，不发请求
	acquireTimeout = 10 * time.Second
	// maxGETRetries GET 请求最大尝试次数（幂等，可安全重试）
	maxGETRetries = 3
)

// Client Capital.com REST 传输层。
// 每次出站请求先取限流令牌，再附加会话凭据；凭据附加时滑动刷新 lastUsedAt。
// 锁只保护令牌指针交换，网络 I/O 期间不持有任何锁。
type Client struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	rest    *resty.Client

	tokenMu sync.RWMutex
	tokens  *SessionTokens
}

// NewClient 创建 REST 客户端
// 重试由本层自己控制（仅 GET），所以关闭 resty 内置重试。
func NewClient(cfg *config.Config, limiter *ratelimit.Limiter) *Client {
	rest := resty.New().
		SetBaseURL(cfg.APIBaseURL()).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		cfg:     cfg,
		limiter: limiter,
		rest:    rest,
	}
}

// SetSessionTokens 由 SessionManager 在登录成功后注入令牌
func (c *Client) SetSessionTokens(t *SessionTokens) {
	c.tokenMu.Lock()
	c.tokens = t
	c.tokenMu.Unlock()
}

// ClearSessionTokens 清除令牌（登出或登录失败时 fail-closed）
func (c *Client) ClearSessionTokens() {
	c.SetSessionTokens(nil)
}

// SessionTokens 当前令牌快照
func (c *Client) SessionTokens() *SessionTokens {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.tokens
}

// RequestOptions 单次请求参数
type RequestOptions struct {
	Body   interface{}
	Params map[string]string
	Tier   ratelimit.Tier // 空值按 global 处理
}

// Request 发起请求：限流 -> 鉴权头 -> 执行（GET 带指数退避重试）。
// 401/403 映射为会话错误；其它 >=400 映射为上游错误；
// 限流超时返回 RATE_LIMITED_LOCAL，此时没有任何网络副作用。
func (c *Client) Request(ctx context.Context, method, path string, opt *RequestOptions) (*resty.Response, error) {
	tier := ratelimit.TierGlobal
	if opt != nil && opt.Tier != "" {
		tier = opt.Tier
	}
	if !c.limiter.Acquire(ctx, tier, acquireTimeout) {
		return nil, errRateLimitedLocal(string(tier))
	}

	maxAttempts := 1
	if strings.EqualFold(method, http.MethodGet) {
		maxAttempts = maxGETRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			logger.Warnf("[capital] GET %s 第 %d/%d 次重试，退避 %v", path, attempt+1, maxAttempts, backoff)
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "request canceled")
			case <-time.After(backoff):
			}
		}

		resp, err := c.execute(ctx, method, path, opt)
		if err != nil {
			// 网络层失败（超时/连接失败）：仅 GET 继续重试
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		status := resp.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, NewErrorf(CodeSessionExpired, "Authentication rejected by broker (HTTP %d)", status).
				WithDetail("status_code", status)
		}
		if status >= 400 {
			return nil, upstreamError(resp)
		}
		return resp, nil
	}

	return nil, NewErrorf(CodeUpstreamTimeout, "Request failed after %d attempts: %v", maxAttempts, lastErr)
}

// execute 单次请求执行（不含重试判定）
func (c *Client) execute(ctx context.Context, method, path string, opt *RequestOptions) (*resty.Response, error) {
	req := c.rest.R().SetContext(ctx)
	req.SetHeader(headerAPIKey, c.cfg.APIKey)

	// 附加会话令牌并滑动刷新 lastUsedAt
	if tokens := c.SessionTokens(); tokens != nil {
		req.SetHeader(headerCST, tokens.CST)
		req.SetHeader(headerSecurityToken, tokens.SecurityToken)
		tokens.Touch()
	}

	hasBody := false
	if opt != nil {
		if opt.Params != nil {
			req.SetQueryParams(opt.Params)
		}
		if opt.Body != nil {
			req.SetBody(opt.Body)
			hasBody = true
		}
	}

	if hasBody {
		// 敏感字段打码后再进日志
		logger.Debugf("[capital] %s %s body=%v", method, path, redactedBody(opt.Body))
	} else {
		logger.Debugf("[capital] %s %s", method, path)
	}
	resp, err := req.Execute(strings.ToUpper(method), path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

// upstreamError 从 >=400 响应中提取 Capital 风格错误信息
func upstreamError(resp *resty.Response) *GatewayError {
	message := resp.Status()
	body := resp.Body()

	var parsed map[string]interface{}
	if err := unmarshalJSON(body, &parsed); err == nil && parsed != nil {
		// Capital.com 常见格式：{"errorCode": "..."}
		if v, ok := parsed["errorCode"].(string); ok && v != "" {
			message = v
		} else if v, ok := parsed["message"].(string); ok && v != "" {
			message = v
		} else if v, ok := parsed["error"].(string); ok && v != "" {
			message = v
		}
	} else if len(body) > 0 {
		message = truncate(string(body), 200)
	}

	return NewErrorf(CodeUpstreamError, "HTTP %d: %s", resp.StatusCode(), message).
		WithDetail("status_code", resp.StatusCode()).
		WithDetail("response_body", truncate(string(body), 1000))
}

// Get GET 请求（可重试）
func (c *Client) Get(ctx context.Context, path string, params map[string]string) (*resty.Response, error) {
	return c.Request(ctx, http.MethodGet, path, &RequestOptions{Params: params})
}

// Post POST 请求（不重试），tier 可指定 session/trading 层
func (c *Client) Post(ctx context.Context, path string, body interface{}, tier ratelimit.Tier) (*resty.Response, error) {
	return c.Request(ctx, http.MethodPost, path, &RequestOptions{Body: body, Tier: tier})
}

// Put PUT 请求（不重试）
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*resty.Response, error) {
	return c.Request(ctx, http.MethodPut, path, &RequestOptions{Body: body})
}

// Delete DELETE 请求（不重试）
func (c *Client) Delete(ctx context.Context, path string) (*resty.Response, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// marketDetailsResponse /markets/{epic} 响应结构（只取需要的字段）
type marketDetailsResponse struct {
	DealingRules struct {
		MinDealSize      struct{ Value float64 } `json:"minDealSize"`
		MaxDealSize      struct{ Value float64 } `json:"maxDealSize"`
		MinSizeIncrement struct{ Value float64 } `json:"minSizeIncrement"`
	} `json:"dealingRules"`
	Snapshot struct {
		Bid   float64 `json:"bid"`
		Offer float64 `json:"offer"`
	} `json:"snapshot"`
}

// MarketDetails 获取市场交易规则与报价快照，实现风控引擎的行情依赖
func (c *Client) MarketDetails(ctx context.Context, epic string) (*MarketDetails, error) {
	resp, err := c.Get(ctx, fmt.Sprintf("/markets/%s", epic), nil)
	if err != nil {
		return nil, err
	}

	var raw marketDetailsResponse
	if err := unmarshalJSON(resp.Body(), &raw); err != nil {
		return nil, NewErrorf(CodeUpstreamError, "Malformed market details for %s: %v", epic, err)
	}

	details := &MarketDetails{
		Epic: epic,
		Rules: DealingRules{
			MinDealSize:      raw.DealingRules.MinDealSize.Value,
			MaxDealSize:      raw.DealingRules.MaxDealSize.Value,
			MinSizeIncrement: raw.DealingRules.MinSizeIncrement.Value,
		},
		Snapshot: PriceSnapshot{
			Bid:   raw.Snapshot.Bid,
			Offer: raw.Snapshot.Offer,
		},
	}

	// 经纪商缺省规则兜底
	if details.Rules.MinDealSize <= 0 {
		details.Rules.MinDealSize = 0.1
	}
	if details.Rules.MaxDealSize <= 0 {
		details.Rules.MaxDealSize = 1000.0
	}
	if details.Rules.MinSizeIncrement <= 0 {
		details.Rules.MinSizeIncrement = 0.1
	}
	return details, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
