package decision

import (
	"strings"

	"tradeagent/internal/types"
)

// normalizeAction 统一动作名称，兼容 long/short、open/close 与 wait 等同义词。
// 平仓类动作映射为反向的 BUY/SELL 并标记 reduceOnly。
// 无法识别时原样返回，由校验阶段拒绝。
func normalizeAction(action, direction string) (string, bool) {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	a := replacer.Replace(strings.ToLower(strings.TrimSpace(action)))
	dir := strings.ToLower(strings.TrimSpace(direction))
	switch a {
	case "open", "close", "enter", "exit":
		if dir == "" {
			break
		}
		a = a + "_" + dir
	}
	switch a {
	case "hold", "wait", "stay", "neutral", "none", "no_trade":
		return string(types.ActionHold), false
	case "buy", "long", "enter_long", "go_long", "open_long", "buy_long":
		return string(types.ActionBuy), false
	case "close_short", "exit_short", "flat_short", "take_profit_short":
		return string(types.ActionBuy), true
	case "sell", "short", "enter_short", "go_short", "open_short", "sell_short":
		return string(types.ActionSell), false
	case "close_long", "exit_long", "flat_long", "take_profit_long":
		return string(types.ActionSell), true
	default:
		return strings.TrimSpace(action), false
	}
}
