package capital

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/capgate/pkg/config"
)

// stubStreamSession 流式测试用会话桩
type stubStreamSession struct {
	tokens *SessionTokens
}

func (s *stubStreamSession) EnsureLoggedIn(_ context.Context) error { return nil }
func (s *stubStreamSession) Tokens() *SessionTokens                 { return s.tokens }

func activeStubSession() *stubStreamSession {
	return &stubStreamSession{tokens: NewSessionTokens("cst", "tok", time.Minute)}
}

// wsBackend 模拟流式端点：记录每条入站指令并允许测试主动推送/断开
type wsBackend struct {
	upgrader   websocket.Upgrader
	conns      chan *websocket.Conn
	directives chan streamDirective
}

func newWSBackend(t *testing.T) (*wsBackend, *config.Config) {
	t.Helper()
	b := &wsBackend{
		conns:      make(chan *websocket.Conn, 8),
		directives: make(chan streamDirective, 128),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			var d streamDirective
			if err := conn.ReadJSON(&d); err != nil {
				return
			}
			b.directives <- d
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("http://unused")
	cfg.WSEnabled = true
	cfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return b, cfg
}

func (b *wsBackend) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("等待连接超时")
		return nil
	}
}

func (b *wsBackend) waitDirective(t *testing.T) streamDirective {
	t.Helper()
	select {
	case d := <-b.directives:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("等待指令超时")
		return streamDirective{}
	}
}

func TestConnectRefusesWhenStreamingDisabled(t *testing.T) {
	_, cfg := newWSBackend(t)
	cfg.WSEnabled = false

	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); !IsCode(err, CodeInvalidRequest) {
		t.Fatalf("流式关闭时应拒绝连接，得到: %v", err)
	}
}

func TestConnectRequiresActiveSession(t *testing.T) {
	_, cfg := newWSBackend(t)

	s := NewStreamClient(cfg, &stubStreamSession{tokens: nil})
	if err := s.Connect(context.Background()); !IsCode(err, CodeSessionNotInitialized) {
		t.Fatalf("无会话时应拒绝连接，得到: %v", err)
	}
}

func TestSubscribeEnforcesHardCap(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	backend.waitConn(t)

	epics := make([]string, maxSubscriptions)
	for i := range epics {
		epics[i] = fmt.Sprintf("EPIC%d", i)
	}
	if err := s.Subscribe(epics); err != nil {
		t.Fatalf("上限内订阅应成功: %v", err)
	}
	if got := len(s.Subscriptions()); got != maxSubscriptions {
		t.Errorf("订阅集合大小错误: %d", got)
	}

	if err := s.Subscribe([]string{"ONE_MORE"}); !IsCode(err, CodeInvalidRequest) {
		t.Fatalf("超过上限应整体拒绝，得到: %v", err)
	}
	if got := len(s.Subscriptions()); got != maxSubscriptions {
		t.Errorf("被拒绝的订阅不应改动集合: %d", got)
	}

	// 重复订阅已有市场不占新额度
	if err := s.Subscribe([]string{"EPIC0"}); err != nil {
		t.Errorf("重复订阅不应失败: %v", err)
	}
}

func TestSubscribeSendsDirectivePerEpic(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	backend.waitConn(t)

	if err := s.Subscribe([]string{"GOLD", "SILVER"}); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	first := backend.waitDirective(t)
	second := backend.waitDirective(t)
	if first.Destination != "market.GOLD" || first.Action != "subscribe" {
		t.Errorf("首条指令错误: %+v", first)
	}
	if second.Destination != "market.SILVER" || second.Action != "subscribe" {
		t.Errorf("次条指令错误: %+v", second)
	}

	if err := s.Unsubscribe([]string{"GOLD"}); err != nil {
		t.Fatalf("退订失败: %v", err)
	}
	d := backend.waitDirective(t)
	if d.Destination != "market.GOLD" || d.Action != "unsubscribe" {
		t.Errorf("退订指令错误: %+v", d)
	}
	if got := s.Subscriptions(); len(got) != 1 || got[0] != "SILVER" {
		t.Errorf("退订后集合错误: %v", got)
	}
}

func TestStreamYieldsTicksAndDropsHeartbeats(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	conn := backend.waitConn(t)

	if err := s.Subscribe([]string{"GOLD"}); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	backend.waitDirective(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks, _ := s.Stream(ctx, 10*time.Second, 0)

	// 心跳（无 bid/offer）必须被静默丢弃
	_ = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"destination":"heartbeat","payload":{}}`))
	_ = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"destination":"market.GOLD","payload":{"epic":"GOLD","bid":2300.5,"offer":2301.0,"timestamp":"2026-08-28T10:00:00Z"}}`))

	select {
	case tick := <-ticks:
		if tick.Epic != "GOLD" || tick.Bid != 2300.5 || tick.Offer != 2301.0 {
			t.Errorf("报价内容错误: %+v", tick)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("等待报价超时")
	}
	cancel()
}

func TestStreamReconnectsAndRestoresSubscriptions(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	first := backend.waitConn(t)

	if err := s.Subscribe([]string{"GOLD"}); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	d := backend.waitDirective(t)
	if d.Destination != "market.GOLD" {
		t.Fatalf("首次订阅指令错误: %+v", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks, errCh := s.Stream(ctx, 30*time.Second, 3)

	// 服务端主动断开，触发重连
	_ = first.Close()

	second := backend.waitConn(t)
	resub := backend.waitDirective(t)
	if resub.Destination != "market.GOLD" || resub.Action != "subscribe" {
		t.Fatalf("重连后应按原集合重订，得到: %+v", resub)
	}

	_ = second.WriteMessage(websocket.TextMessage,
		[]byte(`{"destination":"market.GOLD","payload":{"epic":"GOLD","bid":2302.0,"offer":2302.5,"timestamp":"2026-08-28T10:01:00Z"}}`))

	select {
	case tick := <-ticks:
		if tick.Epic != "GOLD" {
			t.Errorf("重连后报价错误: %+v", tick)
		}
	case err := <-errCh:
		t.Fatalf("不应终止: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("重连后等待报价超时")
	}

	if got := s.Subscriptions(); len(got) != 1 || got[0] != "GOLD" {
		t.Errorf("重连对订阅契约应无感知: %v", got)
	}
	cancel()
}

func TestStreamFailsTerminallyAfterReconnectBudget(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	first := backend.waitConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errCh := s.Stream(ctx, 30*time.Second, 0)

	_ = first.Close()

	select {
	case err := <-errCh:
		if !IsCode(err, CodeUpstreamError) {
			t.Errorf("终止错误类型错误: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("等待终止错误超时")
	}
}

func TestStreamStopsAtDurationAndCleansUp(t *testing.T) {
	backend, cfg := newWSBackend(t)
	s := NewStreamClient(cfg, activeStubSession())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer s.Close()
	backend.waitConn(t)

	if err := s.Subscribe([]string{"GOLD"}); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	backend.waitDirective(t)

	ticks, _ := s.Stream(context.Background(), 300*time.Millisecond, 0)

	select {
	case _, open := <-ticks:
		if open {
			t.Fatal("静市下不应产出报价")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("等待流结束超时")
	}

	if got := s.Subscriptions(); len(got) != 0 {
		t.Errorf("结束时应退订全部订阅: %v", got)
	}
}

func TestParseTickDropsPayloadMissingQuote(t *testing.T) {
	cases := []string{
		`{"destination":"heartbeat"}`,
		`{"payload":{"epic":"GOLD","bid":1.0}}`,
		`{"payload":{"epic":"GOLD","offer":1.0}}`,
		`not json at all`,
	}
	for _, raw := range cases {
		if _, ok := parseTick([]byte(raw)); ok {
			t.Errorf("应丢弃: %s", raw)
		}
	}

	tick, ok := parseTick([]byte(`{"payload":{"epic":"GOLD","bid":0,"offer":0.1,"change_percent":-0.5}}`))
	if !ok {
		t.Fatal("完整报价不应被丢弃")
	}
	if tick.Bid != 0 || tick.Offer != 0.1 {
		t.Errorf("bid 为 0 也是合法报价: %+v", tick)
	}
	if tick.ChangePercent == nil || *tick.ChangePercent != -0.5 {
		t.Error("change_percent 解析错误")
	}
}
