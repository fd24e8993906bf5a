package app

import (
	"fmt"
	"strings"
	"time"
)

// StartupSummary 启动时打印的配置摘要。
type StartupSummary struct {
	Assets       []string
	Exchange     string
	Testnet      bool
	ReasoningURL string
	Model        string
	StartShape   string
	Interval     time.Duration
	RunOnce      bool
	Budget       time.Duration
	AuditPath    string
	LedgerPath   string
	HTTPAddr     string
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[交易 (TRADING)]\n")
	fmt.Fprintf(&b, "  可交易资产: %s\n", formatList(s.Assets))
	network := "mainnet"
	if s.Testnet {
		network = "testnet"
	}
	fmt.Fprintf(&b, "  交易所: %s (%s)\n\n", s.Exchange, network)

	b.WriteString("[推理服务 (REASONING)]\n")
	fmt.Fprintf(&b, "  地址: %s\n", s.ReasoningURL)
	fmt.Fprintf(&b, "  模型: %s | 首选形态: %s\n\n", s.Model, s.StartShape)

	b.WriteString("[调度 (SCHEDULE)]\n")
	if s.RunOnce {
		b.WriteString("  模式: 单次运行\n")
	} else {
		fmt.Fprintf(&b, "  周期: %s\n", s.Interval)
	}
	fmt.Fprintf(&b, "  单次预算: %s\n\n", s.Budget)

	b.WriteString("[存储 (STORAGE)]\n")
	fmt.Fprintf(&b, "  审计库: %s\n", s.AuditPath)
	fmt.Fprintf(&b, "  订单台账: %s\n", s.LedgerPath)
	if s.HTTPAddr != "" {
		fmt.Fprintf(&b, "  审计查询接口: %s\n", s.HTTPAddr)
	}
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
