package delivery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ledgerbot/internal/accounting"
)

// Reply templates. The strings are load-bearing: the feedback filter
// recognizes pipeline-authored messages by the fragments in ReplyMarkers,
// so any wording change here must land in that list too.
const (
	replySuccessBanner  = "✅ 记账成功！"
	replyIrrelevant     = "信息与记账无关"
	replyDetailPrefix   = "📝 明细："
	replyDatePrefix     = "📅 日期："
	replyAmountPrefix   = "💰 金额："
	replyBudgetPrefix   = "📊 预算："
	replyFailurePrefix  = "❌ 记账失败"
	replyQuotaPrefix    = "💳 token使用达到限制"
	replyThrottlePrefix = "⏱️ 访问过于频繁"
)

// ReplyMarkers is the closed set of structural fragments that occur only
// in formatter output. A message containing any of them is treated as one
// of our own replies echoed back by the provider.
func ReplyMarkers() []string {
	return []string{
		replySuccessBanner,
		replyDetailPrefix,
		replyDatePrefix,
		"💸 方向：",
		"💰 方向：",
		replyAmountPrefix,
		replyBudgetPrefix,
		"⚠️ 记账服务返回错误",
		replyFailurePrefix,
		"聊天与记账无关",
		replyIrrelevant,
		"🔐 记账服务认证失败",
		replyQuotaPrefix,
		"🔍 记账服务API不存在",
		replyThrottlePrefix,
		"⏰ 记账服务请求超时",
		"🌐 无法连接到记账服务",
		"📄 记账服务响应格式错误",
		"❌ 记账服务调用失败",
	}
}

// outcomeForResult maps a parsed 2xx body to its outcome and reply text.
func outcomeForResult(res *accounting.Result) Outcome {
	if !res.Relevant() {
		return newOutcome(KindIrrelevant, replyIrrelevant)
	}
	if res.Error != "" {
		return newOutcome(kindForFailureText(res.Error), formatEmbeddedError(res.Error))
	}
	if res.Amount != nil {
		return newOutcome(KindAccounted, formatAccounted(res))
	}
	msg := res.Message
	if msg == "" {
		msg = "记账失败"
	}
	return newOutcome(KindUnknownFailure, replyFailurePrefix+": "+msg)
}

func formatAccounted(res *accounting.Result) string {
	direction, dirIcon := "支出", "💸"
	if res.Type == "INCOME" {
		direction, dirIcon = "收入", "💰"
	}
	var amount float64
	if res.Amount != nil {
		amount = *res.Amount
	}
	lines := []string{
		replySuccessBanner,
		replyDetailPrefix + res.OriginalDescription,
		replyDatePrefix + formatDate(res.Date),
		fmt.Sprintf("%s 方向：%s；分类：%s%s", dirIcon, direction, categoryIcon(res.CategoryName), res.CategoryName),
		replyAmountPrefix + formatAmount(amount) + "元",
	}
	switch {
	case res.BudgetName != "" && res.BudgetOwnerName != "":
		lines = append(lines, fmt.Sprintf("%s%s（%s）", replyBudgetPrefix, res.BudgetName, res.BudgetOwnerName))
	case res.BudgetName != "":
		lines = append(lines, replyBudgetPrefix+res.BudgetName)
	}
	return strings.Join(lines, "\n")
}

func formatEmbeddedError(errMsg string) string {
	switch kindForFailureText(errMsg) {
	case KindQuotaExceeded:
		return replyQuotaPrefix + ": " + errMsg
	case KindRateLimited:
		return replyThrottlePrefix + ": " + errMsg
	default:
		return replyFailurePrefix + ": " + errMsg
	}
}

func formatStatusFailure(code int) string {
	switch code {
	case 401:
		return "🔐 记账服务认证失败，请检查token是否有效"
	case 402:
		return "💳 token使用达到限制，请检查账户余额"
	case 404:
		return "🔍 记账服务API不存在，请检查server_url配置"
	case 429:
		return "⏱️ 访问过于频繁，请稍后再试"
	default:
		return fmt.Sprintf("⚠️ 记账服务返回错误: HTTP %d", code)
	}
}

// kindForFailureText refines a generic failure by scanning its text for
// quota and throttle wording, in either language the server answers in.
func kindForFailureText(msg string) OutcomeKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "token") && (strings.Contains(lower, "limit") || strings.Contains(msg, "限制")):
		return KindQuotaExceeded
	case strings.Contains(lower, "rate") || strings.Contains(msg, "频繁") || strings.Contains(lower, "too many"):
		return KindRateLimited
	default:
		return KindUnknownFailure
	}
}

// formatDate reduces a timestamp to its date portion.
func formatDate(s string) string {
	if s == "" {
		return s
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Format("2006-01-02")
	}
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		return s[:i]
	}
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

// formatAmount renders without a forced decimal point, so whole amounts
// read as "35元" rather than "35.00元".
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func categoryIcon(name string) string {
	switch {
	case strings.Contains(name, "餐饮") || strings.Contains(name, "食"):
		return "🍽️"
	case strings.Contains(name, "交通") || strings.Contains(name, "出行"):
		return "🚗"
	case strings.Contains(name, "购物") || strings.Contains(name, "商品"):
		return "🛒"
	case strings.Contains(name, "娱乐"):
		return "🎮"
	case strings.Contains(name, "学习") || strings.Contains(name, "教育"):
		return "📚"
	case strings.Contains(name, "医疗") || strings.Contains(name, "健康"):
		return "🏥"
	default:
		return "📝"
	}
}
