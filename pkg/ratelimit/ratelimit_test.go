package ratelimit

import (
	"context"
	"testing"
	"time"
)

// TestTokenBucket_Invariant 任意 acquire/refill 序列后令牌数不越界
func TestTokenBucket_Invariant(t *testing.T) {
	tb := NewTokenBucket(5, 100)

	for i := 0; i < 50; i++ {
		tb.TryAcquire(1)
		if got := tb.Available(); got < 0 || got > 5 {
			t.Fatalf("令牌数越界: %v", got)
		}
		if i%7 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	// 长时间等待后也不能超过容量
	time.Sleep(100 * time.Millisecond)
	if got := tb.Available(); got > 5 {
		t.Fatalf("补充后超过容量: %v", got)
	}
}

// TestTokenBucket_AcquireAfterRefill 空桶在等待 >= 1/R 秒后可以取到令牌
func TestTokenBucket_AcquireAfterRefill(t *testing.T) {
	tb := NewTokenBucket(1, 20) // 1/R = 50ms

	if !tb.TryAcquire(1) {
		t.Fatal("满桶首次获取应该成功")
	}

	// 超时短于补充时间：应该失败
	start := time.Now()
	if tb.Acquire(context.Background(), 1, 10*time.Millisecond) {
		t.Fatal("超时 10ms 不足以补充 1 个令牌（需要 50ms），不应该成功")
	}
	if time.Since(start) > 45*time.Millisecond {
		t.Fatalf("失败路径阻塞过久: %v", time.Since(start))
	}

	// 超时长于补充时间：应该成功
	if !tb.Acquire(context.Background(), 1, 500*time.Millisecond) {
		t.Fatal("超时 500ms 足以补充 1 个令牌，应该成功")
	}
}

// TestTokenBucket_ContextCancel ctx 取消时立即返回未授予
func TestTokenBucket_ContextCancel(t *testing.T) {
	tb := NewTokenBucket(1, 0.01)
	tb.TryAcquire(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if tb.Acquire(ctx, 1, 5*time.Second) {
		t.Fatal("取消后不应该授予")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("取消后返回过慢: %v", time.Since(start))
	}
}

// TestLimiter_CompositeGate global 层失败时不消耗内层令牌
func TestLimiter_CompositeGate(t *testing.T) {
	l := NewLimiter()

	// 耗尽 global 桶
	for i := 0; i < 10; i++ {
		if !l.global.TryAcquire(1) {
			t.Fatalf("第 %d 次 global 获取不应该失败", i+1)
		}
	}

	before := l.session.Available()
	if l.Acquire(context.Background(), TierSession, 5*time.Millisecond) {
		t.Fatal("global 耗尽时 session 获取应该失败")
	}
	after := l.session.Available()
	if after < before {
		t.Fatalf("global 层失败不应该消耗 session 令牌: before=%v after=%v", before, after)
	}
}

// TestLimiter_SessionTier session 桶容量为 1
func TestLimiter_SessionTier(t *testing.T) {
	l := NewLimiter()

	if !l.Acquire(context.Background(), TierSession, 100*time.Millisecond) {
		t.Fatal("首次 session 获取应该成功")
	}
	// 立即再取：session 桶为空（补充率 1/s），短超时内拿不到
	if l.Acquire(context.Background(), TierSession, 50*time.Millisecond) {
		t.Fatal("session 桶为空时 50ms 内不应该成功")
	}
}

// TestLimiter_TiersIndependent trading 层耗尽不影响 global 单独获取
func TestLimiter_TiersIndependent(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 5; i++ {
		if !l.Acquire(context.Background(), TierTrading, 100*time.Millisecond) {
			t.Fatalf("第 %d 次 trading 获取不应该失败", i+1)
		}
	}

	if !l.Acquire(context.Background(), TierGlobal, 100*time.Millisecond) {
		t.Fatal("global 层应该还有剩余令牌")
	}

	state := l.State()
	if state["trading_tokens"] > 6 {
		t.Fatalf("trading 桶应该已消耗 5 个令牌: %v", state["trading_tokens"])
	}
}
