package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/betbot/capgate/internal/capital"
	"github.com/betbot/capgate/internal/controlplane/server"
	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/logger"
	"github.com/betbot/capgate/pkg/persistence"
	"github.com/betbot/capgate/pkg/ratelimit"
	"github.com/betbot/capgate/pkg/syncgroup"
)

// keepAliveEvery 会话保活间隔：小于 540s 的滑动过期阈值，保证空闲时会话不掉
const keepAliveEvery = 5 * time.Minute

const (
	// streamWindow 行情流单次观察窗口，到时由流自己收尾
	streamWindow = 24 * time.Hour
	// streamReconnects 行情流重连预算
	streamReconnects = 10
)

func main() {
	configPath := flag.String("config", "yml/gateway.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "配置加载失败:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "日志初始化失败:", err)
		os.Exit(1)
	}

	logger.Infof("[gateway] 启动，环境=%s 交易=%v dry-run=%v", cfg.Env, cfg.AllowTrading, cfg.DryRun)

	limiter := ratelimit.NewLimiter()
	client := capital.NewClient(cfg, limiter)
	session := capital.NewSessionManager(cfg, client)

	persistSvc := persistence.NewJSONFileService(cfg.DataDir)
	counterStore := persistSvc.NewStore("risk", "daily", "counter")
	risk := capital.NewRiskEngine(cfg, client, counterStore)

	stream := capital.NewStreamClient(cfg, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := session.Login(ctx, false, ""); err != nil {
		logger.Errorf("[gateway] 登录失败: %v", err)
		os.Exit(1)
	}

	group := syncgroup.NewSyncGroup()

	// 会话保活
	group.Add(func() {
		ticker := time.NewTicker(keepAliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := session.Ping(ctx); err != nil {
					logger.Warnf("[gateway] 保活失败: %v", err)
				}
			}
		}
	})

	// 行情流：订阅白名单市场，报价进 debug 日志供排障
	if cfg.WSEnabled {
		group.Add(func() {
			var epics []string
			for _, e := range cfg.AllowedEpics {
				if !strings.EqualFold(e, "ALL") {
					epics = append(epics, e)
				}
			}
			if len(epics) == 0 {
				return
			}
			if err := stream.Connect(ctx); err != nil {
				logger.Warnf("[gateway] 行情流连接失败: %v", err)
				return
			}
			if err := stream.Subscribe(epics); err != nil {
				logger.Warnf("[gateway] 行情流订阅失败: %v", err)
				return
			}
			ticks, errCh := stream.Stream(ctx, streamWindow, streamReconnects)
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-errCh:
					logger.Errorf("[gateway] 行情流终止: %v", err)
					return
				case tick, ok := <-ticks:
					if !ok {
						return
					}
					logger.Debugf("[gateway] %s bid=%.2f offer=%.2f", tick.Epic, tick.Bid, tick.Offer)
				}
			}
		})
	}

	// 控制面（配置了监听地址时启动）
	var cp *server.Server
	var httpSrv *http.Server
	if cfg.ListenAddr != "" {
		dbPath := cfg.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(cfg.DataDir, "controlplane.db")
		}
		cp, err = server.New(server.Config{DBPath: dbPath}, session, risk, limiter)
		if err != nil {
			logger.Errorf("[gateway] 控制面初始化失败: %v", err)
			os.Exit(1)
		}
		httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: cp.Router()}
		group.Add(func() {
			logger.Infof("[gateway] 控制面监听 %s", cfg.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("[gateway] 控制面异常退出: %v", err)
			}
		})
	}

	group.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("[gateway] 收到信号 %v，开始关闭", sig)

	cancel()
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if cp != nil {
		_ = cp.Close()
	}
	stream.Close()

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	session.Logout(logoutCtx)
	logoutCancel()

	group.WaitAndClear()
	logger.Info("[gateway] 已退出")
}
