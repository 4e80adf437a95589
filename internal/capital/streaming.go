package capital

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/logger"
	"github.com/betbot/capgate/pkg/syncgroup"
)

const (
	// maxSubscriptions 流式协议的订阅硬上限
	maxSubscriptions = 40
	// keepAliveInterval 保活间隔：超过 5 分钟未发送即补一次 ping
	keepAliveInterval = 5 * time.Minute
	// readTimeoutCap 单次读消息超时上限（静市时正常超时继续循环）
	readTimeoutCap = 10 * time.Second
)

// StreamSession 流式客户端的会话依赖（由 SessionManager 实现）
type StreamSession interface {
	EnsureLoggedIn(ctx context.Context) error
	Tokens() *SessionTokens
}

// streamDirective 出站控制指令：订阅/退订/保活
type streamDirective struct {
	Destination string `json:"destination"`
	Action      string `json:"action,omitempty"`
}

// streamMessage 入站消息。bid/offer 用指针区分缺失与 0，
// 缺失任一即视为心跳等非报价载荷，静默丢弃。
type streamMessage struct {
	Destination string `json:"destination"`
	Payload     struct {
		Epic          string   `json:"epic"`
		Bid           *float64 `json:"bid"`
		Offer         *float64 `json:"offer"`
		Timestamp     string   `json:"timestamp"`
		ChangePercent *float64 `json:"change_percent"`
	} `json:"payload"`
}

// StreamClient 实时报价流客户端。
// 状态机：Disconnected -> Connecting -> Connected -> Streaming
// -> (Reconnecting -> Streaming | Disconnected)。
// 断线重连后必须按断线前的订阅集合原样重订，下游消费方对重连无感知。
type StreamClient struct {
	cfg     *config.Config
	session StreamSession
	group   *syncgroup.SyncGroup

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]struct{}
	lastPing time.Time
}

// NewStreamClient 创建流式客户端
func NewStreamClient(cfg *config.Config, session StreamSession) *StreamClient {
	return &StreamClient{
		cfg:     cfg,
		session: session,
		group:   syncgroup.NewSyncGroup(),
		subs:    make(map[string]struct{}),
	}
}

// Connect 建立流式连接。
// 配置关闭或会话不可用时直接拒绝；连接头携带当前会话令牌。
func (s *StreamClient) Connect(ctx context.Context) error {
	if !s.cfg.WSEnabled {
		return NewError(CodeInvalidRequest, "Streaming is disabled (streaming.enabled=false)")
	}
	if err := s.session.EnsureLoggedIn(ctx); err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.lastPing = time.Now()
	s.mu.Unlock()

	logger.Infof("[stream] 已连接 %s", s.cfg.StreamURL())
	return nil
}

// dial 携带会话令牌建立底层连接
func (s *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	tokens := s.session.Tokens()
	if tokens == nil {
		return nil, NewError(CodeSessionNotInitialized, "No active session for streaming")
	}

	header := http.Header{}
	header.Set(headerCST, tokens.CST)
	header.Set(headerSecurityToken, tokens.SecurityToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.StreamURL(), header)
	if err != nil {
		return nil, NewErrorf(CodeUpstreamError, "Streaming connect failed: %v", err)
	}
	return conn, nil
}

func (s *StreamClient) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// writeDirective 序列化并发送一条控制指令（持锁写，gorilla 不允许并发写）
func (s *StreamClient) writeDirective(d streamDirective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return NewError(CodeInvalidRequest, "Streaming connection not established")
	}
	if err := s.conn.WriteJSON(d); err != nil {
		return NewErrorf(CodeUpstreamError, "Streaming write failed: %v", err)
	}
	return nil
}

// Subscribe 订阅一组市场：超过硬上限整体拒绝（不部分生效），
// 否则逐个发送订阅指令并记入订阅集合。
func (s *StreamClient) Subscribe(epics []string) error {
	s.mu.Lock()
	added := 0
	for _, epic := range epics {
		if _, ok := s.subs[epic]; !ok {
			added++
		}
	}
	if len(s.subs)+added > maxSubscriptions {
		total := len(s.subs) + added
		s.mu.Unlock()
		return NewErrorf(CodeInvalidRequest,
			"Subscription cap exceeded: %d requested total, cap is %d", total, maxSubscriptions)
	}
	s.mu.Unlock()

	for _, epic := range epics {
		if err := s.writeDirective(streamDirective{
			Destination: fmt.Sprintf("market.%s", epic),
			Action:      "subscribe",
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.subs[epic] = struct{}{}
		s.mu.Unlock()
		logger.Debugf("[stream] 订阅 %s", epic)
	}
	return nil
}

// Unsubscribe 退订一组市场并从订阅集合移除
func (s *StreamClient) Unsubscribe(epics []string) error {
	for _, epic := range epics {
		if err := s.writeDirective(streamDirective{
			Destination: fmt.Sprintf("market.%s", epic),
			Action:      "unsubscribe",
		}); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.subs, epic)
		s.mu.Unlock()
		logger.Debugf("[stream] 退订 %s", epic)
	}
	return nil
}

// Subscriptions 当前订阅集合快照
func (s *StreamClient) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for epic := range s.subs {
		out = append(out, epic)
	}
	return out
}

// Stream 产出有限的实时报价序列，受 duration 硬上界约束。
// 每轮循环：检查截止时间 -> 必要时保活 -> 带超时读取（超时视为静市，继续）；
// 连接断开时按 2^attempt 秒退避重连，并按断线前集合原样重订；
// 重连次数耗尽则向错误通道发终止错误。结束时退订全部订阅并关闭报价通道。
func (s *StreamClient) Stream(ctx context.Context, duration time.Duration, maxReconnects int) (<-chan PriceTick, <-chan error) {
	ticks := make(chan PriceTick, 64)
	errCh := make(chan error, 1)

	s.group.Add(func() {
		defer close(ticks)
		defer s.cleanup()
		s.streamLoop(ctx, duration, maxReconnects, ticks, errCh)
	})
	s.group.Run()

	return ticks, errCh
}

func (s *StreamClient) streamLoop(ctx context.Context, duration time.Duration, maxReconnects int, ticks chan<- PriceTick, errCh chan<- error) {
	deadline := time.Now().Add(duration)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Info("[stream] 达到时长上限，结束流")
			return
		}

		// 保活：距上次发送超过间隔即补一次 ping
		s.mu.Lock()
		needPing := time.Since(s.lastPing) >= keepAliveInterval
		s.mu.Unlock()
		if needPing {
			if err := s.writeDirective(streamDirective{Destination: "ping"}); err != nil {
				logger.Warnf("[stream] 保活失败: %v", err)
			} else {
				s.mu.Lock()
				s.lastPing = time.Now()
				s.mu.Unlock()
			}
		}

		conn := s.currentConn()
		if conn == nil {
			if !s.reconnect(ctx, &attempt, maxReconnects, errCh) {
				return
			}
			continue
		}

		readTimeout := remaining
		if readTimeout > readTimeoutCap {
			readTimeout = readTimeoutCap
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			// 读超时是静市的正常现象，继续下一轮
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Warnf("[stream] 连接断开: %v", err)
			s.mu.Lock()
			_ = conn.Close()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if !s.reconnect(ctx, &attempt, maxReconnects, errCh) {
				return
			}
			continue
		}
		attempt = 0

		tick, ok := parseTick(raw)
		if !ok {
			continue
		}
		select {
		case ticks <- tick:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect 退避重连并按断线前集合重订。
// 返回 false 表示重连次数耗尽（已向错误通道发终止错误）或被取消。
func (s *StreamClient) reconnect(ctx context.Context, attempt *int, maxReconnects int, errCh chan<- error) bool {
	if *attempt >= maxReconnects {
		logger.Errorf("[stream] 重连 %d 次后放弃", maxReconnects)
		errCh <- NewErrorf(CodeUpstreamError, "Stream terminated after %d reconnect attempts", maxReconnects)
		return false
	}

	backoff := time.Duration(1<<uint(*attempt)) * time.Second
	*attempt++
	logger.Warnf("[stream] 第 %d/%d 次重连，退避 %v", *attempt, maxReconnects, backoff)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
	}

	if err := s.Connect(ctx); err != nil {
		logger.Errorf("[stream] 重连失败: %v", err)
		return true // 仍在窗口内，下一轮继续
	}

	// 原样恢复断线前的订阅集合
	resub := s.Subscriptions()
	if len(resub) > 0 {
		if err := s.resubscribe(resub); err != nil {
			logger.Errorf("[stream] 重订失败: %v", err)
			return true
		}
		logger.Infof("[stream] 重连成功并恢复 %d 个订阅", len(resub))
	}
	return true
}

// resubscribe 重发订阅指令（集合里已有记录，不再改动集合）
func (s *StreamClient) resubscribe(epics []string) error {
	for _, epic := range epics {
		if err := s.writeDirective(streamDirective{
			Destination: fmt.Sprintf("market.%s", epic),
			Action:      "subscribe",
		}); err != nil {
			return err
		}
	}
	return nil
}

// parseTick 解析入站报价；缺 bid 或 offer 的载荷（心跳等）丢弃
func parseTick(raw []byte) (PriceTick, bool) {
	var msg streamMessage
	if err := unmarshalJSON(raw, &msg); err != nil {
		logger.Debugf("[stream] 丢弃无法解析的消息: %v", err)
		return PriceTick{}, false
	}
	if msg.Payload.Bid == nil || msg.Payload.Offer == nil {
		return PriceTick{}, false
	}
	return PriceTick{
		Epic:          msg.Payload.Epic,
		Bid:           *msg.Payload.Bid,
		Offer:         *msg.Payload.Offer,
		Timestamp:     msg.Payload.Timestamp,
		ChangePercent: msg.Payload.ChangePercent,
	}, true
}

// cleanup 流结束时的清理：尽力退订全部订阅
func (s *StreamClient) cleanup() {
	subs := s.Subscriptions()
	if len(subs) > 0 {
		if err := s.Unsubscribe(subs); err != nil {
			logger.Debugf("[stream] 清理退订失败: %v", err)
		}
	}
}

// Close 关闭连接并清空订阅集合；等待流协程退出
func (s *StreamClient) Close() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.subs = make(map[string]struct{})
	s.mu.Unlock()
	s.group.WaitAndClear()
	logger.Info("[stream] 已关闭")
}
