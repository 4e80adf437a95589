package capital

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/ratelimit"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Env:          config.EnvDemo,
		APIKey:       "test-key",
		Identifier:   "test@example.com",
		APIPassword:  "test-pass",
		AllowTrading: true,
		AllowedEpics: []string{"GOLD", "SILVER"},

		MaxPositionSize:        5.0,
		MaxWorkingOrderSize:    5.0,
		MaxOrdersPerDay:        20,
		RequireExplicitConfirm: true,

		HTTPTimeout: 5 * time.Second,
		PreviewTTL:  120 * time.Second,
		APIURL:      baseURL,
	}
}

func newTestClient(baseURL string) *Client {
	return NewClient(testConfig(baseURL), ratelimit.NewLimiter())
}

func TestClientAttachesHeaders(t *testing.T) {
	var gotAPIKey, gotCST, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-CAP-API-KEY")
		gotCST = r.Header.Get("CST")
		gotToken = r.Header.Get("X-SECURITY-TOKEN")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetSessionTokens(NewSessionTokens("cst-1", "tok-1", time.Minute))

	if _, err := c.Get(context.Background(), "/ping", nil); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if gotAPIKey != "test-key" {
		t.Errorf("API key 头错误: %q", gotAPIKey)
	}
	if gotCST != "cst-1" || gotToken != "tok-1" {
		t.Errorf("会话令牌头错误: cst=%q token=%q", gotCST, gotToken)
	}
}

func TestClientTouchesTokensOnRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tokens := NewSessionTokens("cst", "tok", time.Minute)
	c.SetSessionTokens(tokens)

	before := tokens.LastUsedAt()
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(context.Background(), "/ping", nil); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if !tokens.LastUsedAt().After(before) {
		t.Error("请求后 lastUsedAt 应当滑动刷新")
	}
}

func TestClientAuthRejectionMapsToSessionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Get(context.Background(), "/accounts", nil)
	if !IsCode(err, CodeSessionExpired) {
		t.Fatalf("401 应映射为 SESSION_EXPIRED，得到: %v", err)
	}
}

func TestClientUpstreamErrorExtractsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"error.invalid.epic"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Post(context.Background(), "/positions", map[string]string{"epic": "X"}, ratelimit.TierTrading)
	if !IsCode(err, CodeUpstreamError) {
		t.Fatalf("400 应映射为 UPSTREAM_ERROR，得到: %v", err)
	}
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatal("应当是 GatewayError")
	}
	if ge.Message != "HTTP 400: error.invalid.epic" {
		t.Errorf("应提取 errorCode，得到: %q", ge.Message)
	}
}

func TestClientRetriesGETOnNetworkFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// 第一次直接掐断连接，制造网络层失败
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("测试服务器不支持 Hijack")
			}
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Get(context.Background(), "/markets", nil)
	if err != nil {
		t.Fatalf("GET 应在重试后成功: %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Errorf("状态码错误: %d", resp.StatusCode())
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("应当恰好重试一次，实际调用 %d 次", n)
	}
}

func TestClientNeverRetriesMutatingVerbs(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("测试服务器不支持 Hijack")
		}
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Post(context.Background(), "/positions", map[string]string{}, ratelimit.TierTrading)
	if err == nil {
		t.Fatal("连接被掐断时 POST 应当失败")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("POST 不允许重试，实际调用 %d 次", n)
	}
}

func TestClientMarketDetailsAppliesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 规则缺失时应使用兜底默认值
		_, _ = w.Write([]byte(`{"snapshot":{"bid":2300.5,"offer":2301.0}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	details, err := c.MarketDetails(context.Background(), "GOLD")
	if err != nil {
		t.Fatalf("获取市场详情失败: %v", err)
	}
	if details.Rules.MinDealSize != 0.1 || details.Rules.MaxDealSize != 1000.0 || details.Rules.MinSizeIncrement != 0.1 {
		t.Errorf("缺省规则错误: %+v", details.Rules)
	}
	if details.Snapshot.Bid != 2300.5 || details.Snapshot.Offer != 2301.0 {
		t.Errorf("报价快照错误: %+v", details.Snapshot)
	}
}

func TestErrorCodeFallsBackToInternal(t *testing.T) {
	if code := ErrorCode(context.DeadlineExceeded); code != CodeInternalError {
		t.Errorf("非 GatewayError 应归为 INTERNAL_ERROR，得到 %s", code)
	}
	if ErrorCode(nil) != "" {
		t.Error("nil 错误的 code 应为空")
	}
}
