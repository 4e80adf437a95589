package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/betbot/capgate/pkg/secretstore"
)

// Env Capital.com 环境
type Env string

const (
	EnvDemo Env = "demo"
	EnvLive Env = "live"
)

// sessionTokenMaxAgeS 会话令牌滑动过期阈值（秒）
const sessionTokenMaxAgeS = 540

// Config 应用配置
type Config struct {
	Env         Env    // demo 或 live
	APIKey      string // X-CAP-API-KEY
	Identifier  string // 登录邮箱
	APIPassword string // API key 自定义密码

	// 交易安全控制
	AllowTrading           bool     // 是否允许交易操作
	AllowedEpics           []string // 市场白名单；["ALL"] 表示不限制
	MaxPositionSize        float64  // 单笔持仓上限
	MaxWorkingOrderSize    float64  // 单笔挂单上限
	MaxOrdersPerDay        int      // 每日订单上限（UTC 日期切换时重置）
	RequireExplicitConfirm bool     // 执行前必须 confirm=true
	DryRun                 bool     // 纸交易模式：拒绝所有真实执行

	// 会话与预览
	DefaultAccountID string        // 登录后默认切换的账户
	HTTPTimeout      time.Duration // HTTP 超时
	PreviewTTL       time.Duration // 预览缓存 TTL（默认 120s）

	// 传输层地址覆盖（为空时按环境推导；测试时可覆盖）
	APIURL string

	// 行情流
	WSEnabled bool   // 是否允许 WebSocket 行情流
	WSURL     string // 为空时按环境推导；测试时可覆盖

	// 控制面与数据目录
	ListenAddr string // 控制面监听地址（空则不启动）
	DBPath     string // 控制面 sqlite 路径
	DataDir    string // 持久化目录（每日订单计数等）

	// 密钥库（可选：凭据从 badger 读取而不是明文配置）
	SecretDBPath string
	SecretKey    string

	// 日志
	LogLevel string
	LogFile  string
}

// ConfigFile 配置文件结构（用于 YAML 解析）
type ConfigFile struct {
	Env         string `yaml:"env"`
	APIKey      string `yaml:"api_key"`
	Identifier  string `yaml:"identifier"`
	APIPassword string `yaml:"api_password"`

	Trading struct {
		Allow                  bool     `yaml:"allow"`
		AllowedEpics           []string `yaml:"allowed_epics"`
		MaxPositionSize        float64  `yaml:"max_position_size"`
		MaxWorkingOrderSize    float64  `yaml:"max_working_order_size"`
		MaxOrdersPerDay        int      `yaml:"max_orders_per_day"`
		RequireExplicitConfirm *bool    `yaml:"require_explicit_confirm"`
		DryRun                 bool     `yaml:"dry_run"`
	} `yaml:"trading"`

	Session struct {
		DefaultAccountID string `yaml:"default_account_id"`
		HTTPTimeoutS     int    `yaml:"http_timeout_s"`
		PreviewTTLS      int    `yaml:"preview_ttl_s"`
	} `yaml:"session"`

	Streaming struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"streaming"`

	ControlPlane struct {
		ListenAddr string `yaml:"listen_addr"`
		DBPath     string `yaml:"db_path"`
	} `yaml:"control_plane"`

	DataDir string `yaml:"data_dir"`

	Secrets struct {
		DBPath string `yaml:"db_path"`
		Key    string `yaml:"key"`
	} `yaml:"secrets"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Load 加载配置：.env -> YAML 文件 -> CAP_* 环境变量覆盖 -> 密钥库 -> 校验
func Load(path string) (*Config, error) {
	// .env 可选，失败忽略
	_ = godotenv.Load()

	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		var cf ConfigFile
		if err := yaml.Unmarshal(b, &cf); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
		applyFile(cfg, &cf)
	}

	applyEnv(cfg)

	if err := loadSecrets(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Env:                    EnvDemo,
		MaxPositionSize:        1.0,
		MaxWorkingOrderSize:    1.0,
		MaxOrdersPerDay:        20,
		RequireExplicitConfirm: true,
		HTTPTimeout:            15 * time.Second,
		PreviewTTL:             120 * time.Second,
		DataDir:                "data",
		LogLevel:               "info",
	}
}

func applyFile(cfg *Config, cf *ConfigFile) {
	if cf.Env != "" {
		cfg.Env = Env(strings.ToLower(cf.Env))
	}
	if cf.APIKey != "" {
		cfg.APIKey = cf.APIKey
	}
	if cf.Identifier != "" {
		cfg.Identifier = cf.Identifier
	}
	if cf.APIPassword != "" {
		cfg.APIPassword = cf.APIPassword
	}

	cfg.AllowTrading = cf.Trading.Allow
	if len(cf.Trading.AllowedEpics) > 0 {
		cfg.AllowedEpics = cf.Trading.AllowedEpics
	}
	if cf.Trading.MaxPositionSize > 0 {
		cfg.MaxPositionSize = cf.Trading.MaxPositionSize
	}
	if cf.Trading.MaxWorkingOrderSize > 0 {
		cfg.MaxWorkingOrderSize = cf.Trading.MaxWorkingOrderSize
	}
	if cf.Trading.MaxOrdersPerDay > 0 {
		cfg.MaxOrdersPerDay = cf.Trading.MaxOrdersPerDay
	}
	if cf.Trading.RequireExplicitConfirm != nil {
		cfg.RequireExplicitConfirm = *cf.Trading.RequireExplicitConfirm
	}
	cfg.DryRun = cf.Trading.DryRun

	if cf.Session.DefaultAccountID != "" {
		cfg.DefaultAccountID = cf.Session.DefaultAccountID
	}
	if cf.Session.HTTPTimeoutS > 0 {
		cfg.HTTPTimeout = time.Duration(cf.Session.HTTPTimeoutS) * time.Second
	}
	if cf.Session.PreviewTTLS > 0 {
		cfg.PreviewTTL = time.Duration(cf.Session.PreviewTTLS) * time.Second
	}

	cfg.WSEnabled = cf.Streaming.Enabled
	if cf.Streaming.URL != "" {
		cfg.WSURL = cf.Streaming.URL
	}

	if cf.ControlPlane.ListenAddr != "" {
		cfg.ListenAddr = cf.ControlPlane.ListenAddr
	}
	if cf.ControlPlane.DBPath != "" {
		cfg.DBPath = cf.ControlPlane.DBPath
	}
	if cf.DataDir != "" {
		cfg.DataDir = cf.DataDir
	}
	if cf.Secrets.DBPath != "" {
		cfg.SecretDBPath = cf.Secrets.DBPath
	}
	if cf.Secrets.Key != "" {
		cfg.SecretKey = cf.Secrets.Key
	}
	if cf.Log.Level != "" {
		cfg.LogLevel = cf.Log.Level
	}
	if cf.Log.File != "" {
		cfg.LogFile = cf.Log.File
	}
}

// applyEnv 环境变量覆盖（CAP_ 前缀，兼容原有部署习惯）
func applyEnv(cfg *Config) {
	if v := os.Getenv("CAP_ENV"); v != "" {
		cfg.Env = Env(strings.ToLower(v))
	}
	if v := os.Getenv("CAP_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CAP_IDENTIFIER"); v != "" {
		cfg.Identifier = v
	}
	if v := os.Getenv("CAP_API_PASSWORD"); v != "" {
		cfg.APIPassword = v
	}
	if v := os.Getenv("CAP_ALLOW_TRADING"); v != "" {
		cfg.AllowTrading = parseBool(v)
	}
	if v := os.Getenv("CAP_ALLOWED_EPICS"); v != "" {
		cfg.AllowedEpics = splitCSV(v)
	}
	if v := os.Getenv("CAP_MAX_POSITION_SIZE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MaxPositionSize = f
		}
	}
	if v := os.Getenv("CAP_MAX_ORDERS_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOrdersPerDay = n
		}
	}
	if v := os.Getenv("CAP_REQUIRE_EXPLICIT_CONFIRM"); v != "" {
		cfg.RequireExplicitConfirm = parseBool(v)
	}
	if v := os.Getenv("CAP_DRY_RUN"); v != "" {
		cfg.DryRun = parseBool(v)
	}
	if v := os.Getenv("CAP_DEFAULT_ACCOUNT_ID"); v != "" {
		cfg.DefaultAccountID = v
	}
	if v := os.Getenv("CAP_WS_ENABLED"); v != "" {
		cfg.WSEnabled = parseBool(v)
	}
	if v := os.Getenv("CAP_SECRET_DB"); v != "" {
		cfg.SecretDBPath = v
	}
	if v := os.Getenv("CAP_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("CAP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// loadSecrets 配置了密钥库时，用库中的凭据补齐空缺字段
func loadSecrets(cfg *Config) error {
	if strings.TrimSpace(cfg.SecretDBPath) == "" {
		return nil
	}
	keyBytes, err := secretstore.ParseKey(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("密钥库 key 无效: %w", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretDBPath,
		EncryptionKey: keyBytes,
		ReadOnly:      true,
	})
	if err != nil {
		return fmt.Errorf("打开密钥库失败: %w", err)
	}
	defer ss.Close()

	creds, err := ss.GetCredentials()
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey
	}
	if cfg.Identifier == "" {
		cfg.Identifier = creds.Identifier
	}
	if cfg.APIPassword == "" {
		cfg.APIPassword = creds.APIPassword
	}
	return nil
}

// Validate 校验配置一致性
func (c *Config) Validate() error {
	if c.Env != EnvDemo && c.Env != EnvLive {
		return fmt.Errorf("env 必须是 demo 或 live，得到 %q", c.Env)
	}
	if c.APIKey == "" || c.Identifier == "" || c.APIPassword == "" {
		return fmt.Errorf("缺少 API 凭据（api_key/identifier/api_password）")
	}
	// 允许交易但白名单为空属于危险配置，直接拒绝
	if c.AllowTrading && len(c.AllowedEpics) == 0 {
		return fmt.Errorf("允许交易时必须配置 allowed_epics（或使用 ALL 通配）")
	}
	return nil
}

// BaseURL 按环境返回 REST 基础地址
func (c *Config) BaseURL() string {
	if c.Env == EnvLive {
		return "https://api-capital.backend-capital.com"
	}
	return "https://demo-api-capital.backend-capital.com"
}

// APIBaseURL 完整 API 基础地址（可被 APIURL 覆盖，主要用于测试）
func (c *Config) APIBaseURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return c.BaseURL() + "/api/v1"
}

// StreamURL 行情流地址（可被 WSURL 覆盖，主要用于测试）
func (c *Config) StreamURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return "wss://api-streaming-capital.backend-capital.com/connect"
}

// IsEpicAllowed 判断市场是否在白名单内；"ALL" 为通配
func (c *Config) IsEpicAllowed(epic string) bool {
	if !c.AllowTrading || len(c.AllowedEpics) == 0 {
		return false
	}
	if strings.EqualFold(c.AllowedEpics[0], "ALL") {
		return true
	}
	for _, e := range c.AllowedEpics {
		if strings.EqualFold(e, epic) {
			return true
		}
	}
	return false
}

// SessionTokenMaxAge 会话令牌滑动过期阈值
func (c *Config) SessionTokenMaxAge() time.Duration {
	return sessionTokenMaxAgeS * time.Second
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
