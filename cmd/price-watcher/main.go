package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/betbot/capgate/internal/capital"
	"github.com/betbot/capgate/pkg/config"
	"github.com/betbot/capgate/pkg/ratelimit"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	bidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("1"))
)

// tickMsg 一条新报价
type tickMsg capital.PriceTick

// streamDoneMsg 流结束（正常到时或终止错误）
type streamDoneMsg struct{ err error }

// model TUI 状态：每个市场的最新报价
type model struct {
	epics     []string
	latest    map[string]capital.PriceTick
	tickCount int
	startedAt time.Time
	done      bool
	err       error

	ticks <-chan capital.PriceTick
	errCh <-chan error
}

func initialModel(epics []string, ticks <-chan capital.PriceTick, errCh <-chan error) model {
	return model{
		epics:     epics,
		latest:    make(map[string]capital.PriceTick),
		startedAt: time.Now(),
		ticks:     ticks,
		errCh:     errCh,
	}
}

// waitForTick 等待下一条报价或流结束
func (m model) waitForTick() tea.Cmd {
	return func() tea.Msg {
		select {
		case tick, ok := <-m.ticks:
			if !ok {
				return streamDoneMsg{}
			}
			return tickMsg(tick)
		case err := <-m.errCh:
			return streamDoneMsg{err: err}
		}
	}
}

func (m model) Init() tea.Cmd {
	return m.waitForTick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.latest[msg.Epic] = capital.PriceTick(msg)
		m.tickCount++
		return m, m.waitForTick()
	case streamDoneMsg:
		m.done = true
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Capital 实时报价"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  已收 %d 条 | 运行 %s | q 退出",
		m.tickCount, time.Since(m.startedAt).Round(time.Second))))
	b.WriteString("\n\n")

	rows := []string{fmt.Sprintf("%-16s %12s %12s %10s", "市场", "买价", "卖价", "涨跌")}
	for _, epic := range m.epics {
		tick, ok := m.latest[epic]
		if !ok {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("%-16s %12s %12s %10s", epic, "-", "-", "-")))
			continue
		}
		change := "-"
		if tick.ChangePercent != nil {
			change = fmt.Sprintf("%+.2f%%", *tick.ChangePercent)
		}
		rows = append(rows, fmt.Sprintf("%-16s %s %s %10s",
			epic,
			bidStyle.Render(fmt.Sprintf("%12.2f", tick.Bid)),
			askStyle.Render(fmt.Sprintf("%12.2f", tick.Offer)),
			change))
	}
	b.WriteString(borderStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if m.done {
		if m.err != nil {
			b.WriteString(errStyle.Render(fmt.Sprintf("流已终止: %v", m.err)))
		} else {
			b.WriteString(dimStyle.Render("流已结束"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func main() {
	var (
		configPath = flag.String("config", "yml/gateway.yaml", "配置文件路径")
		epicsFlag  = flag.String("epics", "GOLD,SILVER", "逗号分隔的市场列表")
		duration   = flag.Duration("duration", 10*time.Minute, "观察时长")
		reconnects = flag.Int("max-reconnects", 5, "最大重连次数")
	)
	flag.Parse()

	// 重定向 logrus 到文件，避免干扰 TUI
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = os.TempDir()
	}
	if file, err := os.OpenFile(filepath.Join(logDir, "price-watcher.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666); err == nil {
		logrus.SetOutput(file)
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   true,
		})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	cfg.WSEnabled = true

	var epics []string
	for _, e := range strings.Split(*epicsFlag, ",") {
		if s := strings.TrimSpace(e); s != "" {
			epics = append(epics, s)
		}
	}
	if len(epics) == 0 {
		log.Fatal("至少需要一个市场")
	}
	sort.Strings(epics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := capital.NewClient(cfg, ratelimit.NewLimiter())
	session := capital.NewSessionManager(cfg, client)
	stream := capital.NewStreamClient(cfg, session)

	if err := stream.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer stream.Close()
	defer session.Logout(context.Background())

	if err := stream.Subscribe(epics); err != nil {
		log.Fatalf("订阅失败: %v", err)
	}

	ticks, errCh := stream.Stream(ctx, *duration, *reconnects)

	p := tea.NewProgram(initialModel(epics, ticks, errCh), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("运行程序失败: %v", err)
	}
}
