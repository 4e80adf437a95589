package capital

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction 交易方向
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// WorkingOrderType 挂单类型
type WorkingOrderType string

const (
	OrderTypeLimit WorkingOrderType = "LIMIT"
	OrderTypeStop  WorkingOrderType = "STOP"
)

// SessionTokens 会话令牌对（CST + X-SECURITY-TOKEN）
// 由 SessionManager 独占持有；lastUsedAt 随每次鉴权请求滑动（sliding expiry）。
type SessionTokens struct {
	CST           string
	SecurityToken string

	mu         sync.Mutex
	lastUsedAt time.Time
	maxAge     time.Duration
}

// NewSessionTokens 创建会话令牌，lastUsedAt 取当前时间
func NewSessionTokens(cst, securityToken string, maxAge time.Duration) *SessionTokens {
	return &SessionTokens{
		CST:           cst,
		SecurityToken: securityToken,
		lastUsedAt:    time.Now(),
		maxAge:        maxAge,
	}
}

// Touch 更新最近使用时间（每次附带令牌的请求都会调用）
func (t *SessionTokens) Touch() {
	t.mu.Lock()
	t.lastUsedAt = time.Now()
	t.mu.Unlock()
}

// IsExpired 判断令牌是否过期：now - lastUsedAt >= maxAge
func (t *SessionTokens) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastUsedAt) >= t.maxAge
}

// LastUsedAt 最近使用时间快照
func (t *SessionTokens) LastUsedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsedAt
}

// Age 距最近使用的时长
func (t *SessionTokens) Age() time.Duration {
	return time.Since(t.LastUsedAt())
}

// SessionStatus 会话状态快照（只读，不产生副作用）
type SessionStatus struct {
	Env              string `json:"env"`
	BaseURL          string `json:"base_url"`
	LoggedIn         bool   `json:"logged_in"`
	AccountID        string `json:"account_id,omitempty"`
	LastUsedAt       string `json:"last_used_at,omitempty"`
	ExpiresInSeconds int    `json:"expires_in_s_estimate"`
}

// PreviewPositionRequest 持仓预览请求
type PreviewPositionRequest struct {
	Epic           string    `json:"epic"`
	Direction      Direction `json:"direction"`
	Size           float64   `json:"size"`
	GuaranteedStop bool      `json:"guaranteed_stop,omitempty"`
	TrailingStop   bool      `json:"trailing_stop,omitempty"`
	StopLevel      *float64  `json:"stop_level,omitempty"`
	StopDistance   *float64  `json:"stop_distance,omitempty"`
	StopAmount     *float64  `json:"stop_amount,omitempty"`
	ProfitLevel    *float64  `json:"profit_level,omitempty"`
	ProfitDistance *float64  `json:"profit_distance,omitempty"`
	ProfitAmount   *float64  `json:"profit_amount,omitempty"`
}

// PreviewWorkingOrderRequest 挂单预览请求
type PreviewWorkingOrderRequest struct {
	Epic           string           `json:"epic"`
	Direction      Direction        `json:"direction"`
	Size           float64          `json:"size"`
	Type           WorkingOrderType `json:"type"`
	Level          float64          `json:"level"`
	GoodTillDate   string           `json:"good_till_date,omitempty"`
	GuaranteedStop bool             `json:"guaranteed_stop,omitempty"`
	TrailingStop   bool             `json:"trailing_stop,omitempty"`
	StopLevel      *float64         `json:"stop_level,omitempty"`
	StopDistance   *float64         `json:"stop_distance,omitempty"`
	StopAmount     *float64         `json:"stop_amount,omitempty"`
	ProfitLevel    *float64         `json:"profit_level,omitempty"`
	ProfitDistance *float64         `json:"profit_distance,omitempty"`
	ProfitAmount   *float64         `json:"profit_amount,omitempty"`
}

// RiskCheck 单项风控检查结果。检查失败是数据不是错误。
type RiskCheck struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// PreviewResult 预览结果：创建后不可变（只会被整体删除）
type PreviewResult struct {
	PreviewID          string                 `json:"preview_id"`
	NormalizedRequest  map[string]interface{} `json:"normalized_request"`
	Checks             []RiskCheck            `json:"checks"`
	AllChecksPassed    bool                   `json:"all_checks_passed"`
	EstimatedEntry     *float64               `json:"estimated_entry,omitempty"`
	EstimatedRiskNotes string                 `json:"estimated_risk_notes,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

func newPreviewResult(checks []RiskCheck, allPassed bool, normalized map[string]interface{}) *PreviewResult {
	if normalized == nil {
		normalized = map[string]interface{}{}
	}
	return &PreviewResult{
		PreviewID:         uuid.NewString(),
		NormalizedRequest: normalized,
		Checks:            checks,
		AllChecksPassed:   allPassed,
		CreatedAt:         time.Now(),
	}
}

// DealingRules 市场交易规则（来自 /markets/{epic}）
type DealingRules struct {
	MinDealSize      float64
	MaxDealSize      float64
	MinSizeIncrement float64
}

// PriceSnapshot 市场买卖报价快照
type PriceSnapshot struct {
	Bid   float64
	Offer float64
}

// MarketDetails 市场详情：交易规则 + 报价快照
type MarketDetails struct {
	Epic     string
	Rules    DealingRules
	Snapshot PriceSnapshot
}

// PriceTick 一条实时报价。临时数据，不落地。
type PriceTick struct {
	Epic          string   `json:"epic"`
	Bid           float64  `json:"bid"`
	Offer         float64  `json:"offer"`
	Timestamp     string   `json:"timestamp"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
}
