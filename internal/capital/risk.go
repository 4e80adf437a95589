package capital

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/capgate/pkg/cache"
	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/logger"
	"github.com/betbot/capgate/pkg/persistence"
)

// MarketDataSource 风控引擎的行情依赖（由 Client 实现，测试可替换）
type MarketDataSource interface {
	MarketDetails(ctx context.Context, epic string) (*MarketDetails, error)
}

// marketDetailsCacheTTL 行情详情短缓存：同一预览高峰期内避免重复拉取
const marketDetailsCacheTTL = 2 * time.Second

// dailyCounterState 每日订单计数持久化结构
type dailyCounterState struct {
	Count   int    `json:"count"`
	DateKey string `json:"date_key"` // UTC 日期，YYYY-MM-DD
}

// RiskEngine 两阶段风控引擎：preview（只读+缓存）/ execute 前置守卫。
// 预览缓存与每日计数各自持锁；任何 I/O 期间不持锁。
type RiskEngine struct {
	cfg    *config.Config
	market MarketDataSource

	detailsCache *cache.InMemoryCache[string, *MarketDetails]

	previewMu sync.Mutex
	previews  map[string]*PreviewResult

	counterMu    sync.Mutex
	counter      dailyCounterState
	counterStore persistence.Store // 可为 nil（不持久化）

	now func() time.Time
}

// NewRiskEngine 创建风控引擎。
// counterStore 可为 nil；非 nil 时每日计数跨重启保留，避免重启绕过每日上限。
func NewRiskEngine(cfg *config.Config, market MarketDataSource, counterStore persistence.Store) *RiskEngine {
	e := &RiskEngine{
		cfg:          cfg,
		market:       market,
		detailsCache: cache.NewInMemoryCache[string, *MarketDetails](marketDetailsCacheTTL),
		previews:     make(map[string]*PreviewResult),
		counterStore: counterStore,
		now:          time.Now,
	}
	if counterStore != nil {
		var saved dailyCounterState
		if err := counterStore.Load(&saved); err == nil {
			e.counter = saved
		} else if err != persistence.ErrNotExists {
			logger.Warnf("[risk] 加载每日计数失败: %v", err)
		}
	}
	return e
}

func (e *RiskEngine) todayKey() string {
	return e.now().UTC().Format("2006-01-02")
}

// checkDailyLimit 每日上限检查；UTC 日期切换时自动归零
func (e *RiskEngine) checkDailyLimit() RiskCheck {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()

	today := e.todayKey()
	if e.counter.DateKey != today {
		e.counter = dailyCounterState{DateKey: today}
	}

	if e.counter.Count >= e.cfg.MaxOrdersPerDay {
		return RiskCheck{
			Check:   "daily_order_limit",
			Passed:  false,
			Message: fmt.Sprintf("Daily order limit reached (%d)", e.cfg.MaxOrdersPerDay),
		}
	}
	return RiskCheck{
		Check:   "daily_order_limit",
		Passed:  true,
		Message: fmt.Sprintf("Daily orders: %d/%d", e.counter.Count, e.cfg.MaxOrdersPerDay),
	}
}

// IncrementOrderCount 只在经纪商确认提交成功后调用，保证计数反映实际发出的订单
func (e *RiskEngine) IncrementOrderCount() {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()

	today := e.todayKey()
	if e.counter.DateKey != today {
		e.counter = dailyCounterState{DateKey: today}
	}
	e.counter.Count++

	if e.counterStore != nil {
		if err := e.counterStore.Save(e.counter); err != nil {
			logger.Warnf("[risk] 保存每日计数失败: %v", err)
		}
	}
}

// OrderCount 当日已提交订单数（日期已切换时返回 0）
func (e *RiskEngine) OrderCount() int {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()
	if e.counter.DateKey != e.todayKey() {
		return 0
	}
	return e.counter.Count
}

// normalizeSize 规格化下单数量：按最小步进取整，再夹到 [min, max]。
// 用 decimal 做步进运算，避免 0.37/0.1 这类浮点误差。
func normalizeSize(size float64, rules DealingRules) (float64, []string) {
	var warnings []string

	inc := decimal.NewFromFloat(rules.MinSizeIncrement)
	d := decimal.NewFromFloat(size)
	normalized, _ := d.Div(inc).Round(0).Mul(inc).Float64()

	if diff := normalized - size; diff > 0.0001 || diff < -0.0001 {
		warnings = append(warnings,
			fmt.Sprintf("Size rounded from %v to %v (increment: %v)", size, normalized, rules.MinSizeIncrement))
	}

	if normalized < rules.MinDealSize {
		normalized = rules.MinDealSize
		warnings = append(warnings, fmt.Sprintf("Size increased to minimum: %v", rules.MinDealSize))
	} else if normalized > rules.MaxDealSize {
		normalized = rules.MaxDealSize
		warnings = append(warnings, fmt.Sprintf("Size decreased to maximum: %v", rules.MaxDealSize))
	}

	return normalized, warnings
}

// fetchMarketDetails 带短缓存的行情详情获取
func (e *RiskEngine) fetchMarketDetails(ctx context.Context, epic string) (*MarketDetails, error) {
	if cached, ok := e.detailsCache.Get(epic); ok {
		return cached, nil
	}
	details, err := e.market.MarketDetails(ctx, epic)
	if err != nil {
		return nil, err
	}
	e.detailsCache.Set(epic, details, 0)
	return details, nil
}

// PreviewPosition 持仓预览：按固定顺序执行检查，首个失败即短路。
// 短路结果只携带已执行的检查、allChecksPassed=false 和空的规格化请求。
func (e *RiskEngine) PreviewPosition(ctx context.Context, req PreviewPositionRequest) *PreviewResult {
	return e.preview(ctx, req, e.cfg.MaxPositionSize, "max_position_size")
}

func (e *RiskEngine) preview(ctx context.Context, req PreviewPositionRequest, maxPolicySize float64, policyCheck string) *PreviewResult {
	var checks []RiskCheck

	// 检查 1：交易开关
	if !e.cfg.AllowTrading {
		checks = append(checks, RiskCheck{
			Check:   "trading_enabled",
			Passed:  false,
			Message: "Trading is disabled (trading.allow=false)",
		})
		return newPreviewResult(checks, false, nil)
	}
	checks = append(checks, RiskCheck{Check: "trading_enabled", Passed: true, Message: "Trading is enabled"})

	// 检查 2：市场白名单
	if !e.cfg.IsEpicAllowed(req.Epic) {
		checks = append(checks, RiskCheck{
			Check:   "epic_allowed",
			Passed:  false,
			Message: fmt.Sprintf("Epic '%s' not in allowlist", req.Epic),
		})
		return newPreviewResult(checks, false, nil)
	}
	checks = append(checks, RiskCheck{
		Check:   "epic_allowed",
		Passed:  true,
		Message: fmt.Sprintf("Epic '%s' is allowed", req.Epic),
	})

	// 检查 3：每日订单上限
	dailyCheck := e.checkDailyLimit()
	checks = append(checks, dailyCheck)
	if !dailyCheck.Passed {
		return newPreviewResult(checks, false, nil)
	}

	// 检查 4：市场详情（网络依赖，失败作为检查失败而非异常）
	details, err := e.fetchMarketDetails(ctx, req.Epic)
	if err != nil {
		logger.Errorf("[risk] 获取市场详情失败 %s: %v", req.Epic, err)
		checks = append(checks, RiskCheck{
			Check:   "market_details",
			Passed:  false,
			Message: fmt.Sprintf("Failed to fetch market details: %v", err),
		})
		return newPreviewResult(checks, false, nil)
	}
	checks = append(checks, RiskCheck{Check: "market_details", Passed: true, Message: "Market details fetched"})

	// 检查 5：数量规格化（取整 + 夹取，调整会产生警告）
	normalizedSize, sizeWarnings := normalizeSize(req.Size, details.Rules)
	checks = append(checks, RiskCheck{
		Check:   "size_normalized",
		Passed:  true,
		Message: fmt.Sprintf("Size normalized to %v", normalizedSize),
	})

	// 检查 6：本地策略上限
	if normalizedSize > maxPolicySize {
		checks = append(checks, RiskCheck{
			Check:   policyCheck,
			Passed:  false,
			Message: fmt.Sprintf("Size %v exceeds policy limit %v", normalizedSize, maxPolicySize),
		})
		return newPreviewResult(checks, false, nil)
	}
	checks = append(checks, RiskCheck{
		Check:   policyCheck,
		Passed:  true,
		Message: fmt.Sprintf("Size %v within limit %v", normalizedSize, maxPolicySize),
	})

	// 构建规格化请求
	normalized := map[string]interface{}{
		"epic":          req.Epic,
		"direction":     string(req.Direction),
		"size":          normalizedSize,
		"size_warnings": sizeWarnings,
	}
	if req.GuaranteedStop {
		normalized["guaranteed_stop"] = true
	}
	if req.TrailingStop {
		normalized["trailing_stop"] = true
	}
	if req.StopLevel != nil {
		normalized["stop_level"] = *req.StopLevel
	}
	if req.StopDistance != nil {
		normalized["stop_distance"] = *req.StopDistance
	}
	if req.StopAmount != nil {
		normalized["stop_amount"] = *req.StopAmount
	}
	if req.ProfitLevel != nil {
		normalized["profit_level"] = *req.ProfitLevel
	}
	if req.ProfitDistance != nil {
		normalized["profit_distance"] = *req.ProfitDistance
	}
	if req.ProfitAmount != nil {
		normalized["profit_amount"] = *req.ProfitAmount
	}

	result := newPreviewResult(checks, true, normalized)

	// 预估入场价：买看 offer，卖看 bid
	var entry float64
	if req.Direction == DirectionBuy {
		entry = details.Snapshot.Offer
	} else {
		entry = details.Snapshot.Bid
	}
	result.EstimatedEntry = &entry
	result.EstimatedRiskNotes = "Preview only; actual execution may differ based on market conditions."

	e.storePreview(result)
	logger.Infof("[risk] 创建预览 %s（%s %s %v）", result.PreviewID, req.Direction, req.Epic, normalizedSize)
	return result
}

// PreviewWorkingOrder 挂单预览：复用持仓检查流水线，通过后叠加挂单字段
func (e *RiskEngine) PreviewWorkingOrder(ctx context.Context, req PreviewWorkingOrderRequest) *PreviewResult {
	positionReq := PreviewPositionRequest{
		Epic:           req.Epic,
		Direction:      req.Direction,
		Size:           req.Size,
		GuaranteedStop: req.GuaranteedStop,
		TrailingStop:   req.TrailingStop,
		StopLevel:      req.StopLevel,
		StopDistance:   req.StopDistance,
		StopAmount:     req.StopAmount,
		ProfitLevel:    req.ProfitLevel,
		ProfitDistance: req.ProfitDistance,
		ProfitAmount:   req.ProfitAmount,
	}

	result := e.preview(ctx, positionReq, e.cfg.MaxWorkingOrderSize, "max_order_size")

	if result.AllChecksPassed {
		result.NormalizedRequest["type"] = string(req.Type)
		result.NormalizedRequest["level"] = req.Level
		if req.GoodTillDate != "" {
			result.NormalizedRequest["good_till_date"] = req.GoodTillDate
		}
	}
	return result
}

// storePreview 插入预览缓存，顺便淘汰已过期的旧条目
func (e *RiskEngine) storePreview(p *PreviewResult) {
	e.previewMu.Lock()
	defer e.previewMu.Unlock()

	now := e.now()
	for id, old := range e.previews {
		if now.Sub(old.CreatedAt) >= e.cfg.PreviewTTL {
			delete(e.previews, id)
		}
	}
	e.previews[p.PreviewID] = p
}

// GetPreview 读取缓存的预览。
// 不存在返回 PREVIEW_NOT_FOUND；读到过期条目立即淘汰并返回 PREVIEW_EXPIRED（惰性过期）。
func (e *RiskEngine) GetPreview(previewID string) (*PreviewResult, error) {
	e.previewMu.Lock()
	defer e.previewMu.Unlock()

	p, ok := e.previews[previewID]
	if !ok {
		return nil, NewErrorf(CodePreviewNotFound, "Preview %s not found", previewID)
	}
	if e.now().Sub(p.CreatedAt) >= e.cfg.PreviewTTL {
		delete(e.previews, previewID)
		return nil, NewErrorf(CodePreviewExpired, "Preview %s expired", previewID)
	}
	return p, nil
}

// ValidateExecutionGuards 任何变更类交易调用前的唯一强制守卫，必须同步调用。
// 失败顺序固定：交易关闭 -> dry-run -> 缺少确认 -> 预览缺失/过期/检查未通过。
func (e *RiskEngine) ValidateExecutionGuards(confirm bool, previewID string) error {
	if !e.cfg.AllowTrading {
		return errTradingDisabled()
	}
	if e.cfg.DryRun {
		return errDryRun()
	}
	if e.cfg.RequireExplicitConfirm && !confirm {
		return errConfirmRequired()
	}
	if previewID != "" {
		p, err := e.GetPreview(previewID)
		if err != nil {
			return err
		}
		if !p.AllChecksPassed {
			return NewError(CodePreviewChecksFailed, "Preview checks failed, cannot execute")
		}
	}
	return nil
}

// ConsumePreview 订单提交成功后移除预览，防止同一预览被重复执行
func (e *RiskEngine) ConsumePreview(previewID string) {
	e.previewMu.Lock()
	defer e.previewMu.Unlock()
	delete(e.previews, previewID)
}

// PreviewCount 当前缓存条目数（含尚未惰性淘汰的过期项），供状态接口使用
func (e *RiskEngine) PreviewCount() int {
	e.previewMu.Lock()
	defer e.previewMu.Unlock()
	return len(e.previews)
}
