// Package intent 从自然语言目标中解析转账意图，
// 供审批判定与任务执行使用。
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionUnknown 表示无法从目标中识别出动作。
const ActionUnknown = "unknown"

// RiskLevel 表示一笔操作的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Details 是从目标文本中提取出的转账要素。
// Amount 为 0 且 HasAmount 为 false 时表示未识别到金额。
type Details struct {
	Action      string `json:"action"`
	Amount      int64  `json:"amount"`
	HasAmount   bool   `json:"has_amount"`
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
}

var amountPatterns = []struct {
	re    *regexp.Regexp
	asset string
}{
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:qubic|qu)\b`), "QUBIC"},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*usdt\b`), "USDT"},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*btc\b`), "BTC"},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*eth\b`), "ETH"},
}

// 动作按声明顺序匹配，先命中者生效。
var actionKeywords = []struct {
	action   string
	keywords []string
}{
	{"send", []string{"send", "transfer", "pay"}},
	{"withdraw", []string{"withdraw", "withdrawal"}},
	{"stake", []string{"stake", "staking"}},
	{"swap", []string{"swap", "trade", "exchange"}},
	{"lend", []string{"lend", "lending", "deposit"}},
	{"liquidity", []string{"liquidity", "pool", "lp"}},
	{"farm", []string{"farm", "yield", "farming"}},
	{"buy", []string{"buy", "purchase"}},
	{"sell", []string{"sell"}},
}

// Qubic 身份是 60 位大写字母。
var addressPattern = regexp.MustCompile(`\b([A-Z]{60})\b`)

// Extract 解析目标文本中的动作、金额、资产与目标地址。
func Extract(goal string) Details {
	lower := strings.ToLower(goal)
	details := Details{Action: ActionUnknown, Asset: "QUBIC"}

	for _, pattern := range amountPatterns {
		match := pattern.re.FindStringSubmatch(lower)
		if match == nil {
			continue
		}
		if value, err := strconv.ParseFloat(match[1], 64); err == nil {
			details.Amount = int64(value)
			details.HasAmount = true
			details.Asset = pattern.asset
		}
		break
	}

	for _, entry := range actionKeywords {
		if containsAny(lower, entry.keywords) {
			details.Action = entry.action
			break
		}
	}

	if match := addressPattern.FindStringSubmatch(goal); match != nil {
		details.Destination = match[1]
	}
	return details
}

// Risk 估算操作的风险等级。
func Risk(action string, amount int64, hasAmount bool) RiskLevel {
	if !hasAmount {
		return RiskLow
	}
	if (action == "withdraw" || action == "send") && amount >= 1000 {
		return RiskHigh
	}
	if amount >= 5000 {
		return RiskHigh
	}
	if amount >= 500 {
		return RiskMedium
	}
	return RiskLow
}

// Describe 生成人类可读的操作描述。
func Describe(details Details) string {
	action := title(details.Action)
	if !details.HasAmount {
		return fmt.Sprintf("%s transaction", action)
	}
	desc := fmt.Sprintf("%s %d %s", action, details.Amount, details.Asset)
	if details.Destination != "" {
		dest := details.Destination
		if len(dest) > 20 {
			dest = dest[:20]
		}
		desc += fmt.Sprintf(" to %s...", dest)
	}
	return desc
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func title(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}
