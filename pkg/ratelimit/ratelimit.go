package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Tier 速率限制层级
type Tier string

const (
	// TierGlobal 全局限制：每用户 10 req/s
	TierGlobal Tier = "global"
	// TierSession 会话限制：POST /session 1 req/s
	TierSession Tier = "session"
	// TierTrading 交易限制：POST /positions、POST /workingorders 合计 10 req/s
	TierTrading Tier = "trading"
)

// pollInterval 令牌不足时的轮询间隔
const pollInterval = 10 * time.Millisecond

// TokenBucket 令牌桶速率限制器
// 令牌按流逝时间连续补充（浮点令牌），只在获取成功时扣减。
// 不变量：0 <= tokens <= capacity。
type TokenBucket struct {
	capacity   float64 // 桶容量
	refillRate float64 // 每秒补充的令牌数
	tokens     float64 // 当前令牌数
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶（初始为满）
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// refill 按流逝时间补充令牌，封顶 capacity（调用方必须持锁）
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// TryAcquire 非阻塞获取 n 个令牌
func (tb *TokenBucket) TryAcquire(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Acquire 阻塞获取 n 个令牌，超过 timeout 或 ctx 取消则返回 false。
// 返回 false 表示本地快速拒绝：没有发生任何网络副作用。
func (tb *TokenBucket) Acquire(ctx context.Context, n float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		if tb.TryAcquire(n) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// Available 返回当前可用令牌数（会触发一次补充）
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Limiter 多层级速率限制器
// session/trading 为复合层级：先取 global 令牌，再取自身令牌；
// global 层失败时整次获取失败，不消耗内层令牌。
// 各桶互不阻塞，每个桶持有自己的互斥锁。
type Limiter struct {
	global  *TokenBucket
	session *TokenBucket
	trading *TokenBucket
}

// NewLimiter 按 Capital.com 文档限额创建限制器：
// global 10/s、session 1/s、trading 10/s（即每 0.1s 一次）
func NewLimiter() *Limiter {
	return &Limiter{
		global:  NewTokenBucket(10, 10),
		session: NewTokenBucket(1, 1),
		trading: NewTokenBucket(10, 10),
	}
}

// Acquire 获取指定层级的令牌
func (l *Limiter) Acquire(ctx context.Context, tier Tier, timeout time.Duration) bool {
	switch tier {
	case TierSession:
		return l.acquireComposite(ctx, l.session, timeout)
	case TierTrading:
		return l.acquireComposite(ctx, l.trading, timeout)
	default:
		return l.global.Acquire(ctx, 1, timeout)
	}
}

// acquireComposite 复合获取：global 优先，失败则整体失败
func (l *Limiter) acquireComposite(ctx context.Context, inner *TokenBucket, timeout time.Duration) bool {
	if !l.global.Acquire(ctx, 1, timeout) {
		return false
	}
	return inner.Acquire(ctx, 1, timeout)
}

// State 各桶的可用令牌快照（用于状态接口）
func (l *Limiter) State() map[string]float64 {
	return map[string]float64{
		"global_tokens":  l.global.Available(),
		"session_tokens": l.session.Available(),
		"trading_tokens": l.trading.Available(),
	}
}
