package capital

import (
	"context"
	"sync"

	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/logger"
	"github.com/betbot/capgate/pkg/ratelimit"
)

// loginRequest POST /session 请求体
type loginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	EncryptedPassword bool   `json:"encryptedPassword"`
}

// loginResponse POST /session 响应体（只取需要的字段）
type loginResponse struct {
	CurrentAccountID string `json:"currentAccountId"`
}

// LoginResult Login 的结构化返回
type LoginResult struct {
	AlreadyActive bool   `json:"already_active"`
	AccountID     string `json:"account_id,omitempty"`
}

// SessionManager 会话生命周期管理。
// 状态机：LoggedOut -> LoggingIn -> Active -> (Expired | LoggedOut)，
// 状态由令牌有无与年龄推导，不单独存枚举。
// 整个登录序列由 loginMu 串行化：并发调用方排队后重新检查过期再决定是否登录，
// 保证同一实例任意时刻至多一个在途登录。
type SessionManager struct {
	cfg    *config.Config
	client *Client

	loginMu   sync.Mutex
	stateMu   sync.Mutex // 保护 tokens / accountID 快照
	tokens    *SessionTokens
	accountID string
}

// NewSessionManager 创建会话管理器
func NewSessionManager(cfg *config.Config, client *Client) *SessionManager {
	return &SessionManager{cfg: cfg, client: client}
}

func (m *SessionManager) currentTokens() *SessionTokens {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.tokens
}

func (m *SessionManager) setTokens(t *SessionTokens, accountID string) {
	m.stateMu.Lock()
	m.tokens = t
	m.accountID = accountID
	m.stateMu.Unlock()
	if t == nil {
		m.client.ClearSessionTokens()
	} else {
		m.client.SetSessionTokens(t)
	}
}

// Login 创建新会话。
// force=false 且令牌未过期时幂等短路（不发网络请求）；
// 登录响应缺少任一令牌头时 fail-closed：清除旧令牌并返回会话错误。
func (m *SessionManager) Login(ctx context.Context, force bool, accountID string) (*LoginResult, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	// 拿到锁后重新检查：前一个登录可能已经完成
	if !force {
		if t := m.currentTokens(); t != nil && !t.IsExpired() {
			logger.Debug("[session] 会话仍然有效，跳过登录")
			m.stateMu.Lock()
			acc := m.accountID
			m.stateMu.Unlock()
			return &LoginResult{AlreadyActive: true, AccountID: acc}, nil
		}
	}

	logger.Infof("[session] 登录 %s 环境", m.cfg.Env)

	body := loginRequest{
		Identifier:        m.cfg.Identifier,
		Password:          m.cfg.APIPassword,
		EncryptedPassword: false,
	}

	// POST /session 走 session 层限流
	resp, err := m.client.Post(ctx, "/session", body, ratelimit.TierSession)
	if err != nil {
		logger.Errorf("[session] 登录失败: %v", err)
		m.setTokens(nil, "")
		return nil, err
	}

	cst := resp.Header().Get(headerCST)
	securityToken := resp.Header().Get(headerSecurityToken)
	if cst == "" || securityToken == "" {
		m.setTokens(nil, "")
		return nil, NewError(CodeAuthFailed, "Login response missing required tokens")
	}

	var parsed loginResponse
	if err := unmarshalJSON(resp.Body(), &parsed); err != nil {
		logger.Warnf("[session] 登录响应解析失败: %v", err)
	}

	tokens := NewSessionTokens(cst, securityToken, m.cfg.SessionTokenMaxAge())
	m.setTokens(tokens, parsed.CurrentAccountID)
	logger.Infof("[session] 登录成功，账户: %s", parsed.CurrentAccountID)

	// 目标账户与登录返回的账户不一致时显式切换
	target := accountID
	if target == "" {
		target = m.cfg.DefaultAccountID
	}
	if target != "" && target != parsed.CurrentAccountID {
		if err := m.switchAccount(ctx, target); err != nil {
			return nil, err
		}
	}

	m.stateMu.Lock()
	acc := m.accountID
	m.stateMu.Unlock()
	return &LoginResult{AccountID: acc}, nil
}

// switchAccount PUT /session 切换账户（要求已登录，调用方持有 loginMu）
func (m *SessionManager) switchAccount(ctx context.Context, accountID string) error {
	logger.Infof("[session] 切换账户: %s", accountID)
	if _, err := m.client.Put(ctx, "/session", map[string]string{"accountId": accountID}); err != nil {
		return err
	}
	m.stateMu.Lock()
	m.accountID = accountID
	m.stateMu.Unlock()
	return nil
}

// Tokens 当前令牌快照（可能为 nil），供流式连接携带凭据
func (m *SessionManager) Tokens() *SessionTokens {
	return m.currentTokens()
}

// EnsureLoggedIn 所有鉴权操作的前置门：无令牌则登录，过期则强制重登
func (m *SessionManager) EnsureLoggedIn(ctx context.Context) error {
	t := m.currentTokens()
	if t == nil {
		logger.Info("[session] 无会话，执行登录")
		_, err := m.Login(ctx, false, "")
		return err
	}
	if t.IsExpired() {
		logger.Info("[session] 会话已过期，强制重新登录")
		_, err := m.Login(ctx, true, "")
		return err
	}
	return nil
}

// Ping 鉴权保活（GET /ping），要求已有令牌
func (m *SessionManager) Ping(ctx context.Context) error {
	if m.currentTokens() == nil {
		return NewError(CodeSessionNotInitialized, "Not logged in")
	}
	logger.Debug("[session] ping")
	_, err := m.client.Get(ctx, "/ping", nil)
	return err
}

// Logout 登出：网络调用尽力而为（失败只记日志），本地令牌无条件清除
func (m *SessionManager) Logout(ctx context.Context) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if m.currentTokens() == nil {
		logger.Debug("[session] 未登录，无需登出")
		return
	}

	logger.Info("[session] 登出")
	if _, err := m.client.Delete(ctx, "/session"); err != nil {
		logger.Warnf("[session] 登出请求失败: %v", err)
	}
	m.setTokens(nil, "")
}

// GetStatus 会话状态快照，不修改任何状态
func (m *SessionManager) GetStatus() SessionStatus {
	m.stateMu.Lock()
	tokens := m.tokens
	accountID := m.accountID
	m.stateMu.Unlock()

	status := SessionStatus{
		Env:     string(m.cfg.Env),
		BaseURL: m.cfg.BaseURL(),
	}
	if tokens == nil {
		return status
	}

	expiresIn := int((m.cfg.SessionTokenMaxAge() - tokens.Age()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	status.LoggedIn = true
	status.AccountID = accountID
	status.LastUsedAt = tokens.LastUsedAt().UTC().Format("2006-01-02T15:04:05Z")
	status.ExpiresInSeconds = expiresIn
	return status
}
