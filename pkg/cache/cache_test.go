package cache

import (
	"testing"
	"time"
)

// TestInMemoryCache_SetGet 基本读写
func TestInMemoryCache_SetGet(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("期望命中 a=1，得到 %v ok=%v", v, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("不存在的 key 不应该命中")
	}
}

// TestInMemoryCache_LazyExpiry 过期项在读取时被淘汰
func TestInMemoryCache_LazyExpiry(t *testing.T) {
	c := NewInMemoryCache[string, string](time.Minute)

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("过期项不应该命中")
	}
	// 淘汰发生在本次读取中
	if c.Size() != 0 {
		t.Fatalf("过期项读取后应该被删除，Size=%d", c.Size())
	}
}

// TestInMemoryCache_Sweep 主动清理
func TestInMemoryCache_Sweep(t *testing.T) {
	c := NewInMemoryCache[int, int](time.Minute)

	c.Set(1, 1, 10*time.Millisecond)
	c.Set(2, 2, time.Minute)
	time.Sleep(25 * time.Millisecond)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("期望清理 1 项，清理了 %d 项", removed)
	}
	if c.Size() != 1 {
		t.Fatalf("清理后应剩 1 项，Size=%d", c.Size())
	}
}

// TestInMemoryCache_DeleteClear 删除与清空
func TestInMemoryCache_DeleteClear(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("删除后不应该命中")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("清空后 Size 应为 0，得到 %d", c.Size())
	}
}
