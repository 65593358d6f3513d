package task

import (
	"strconv"
	"strings"
)

// transferParams 是 CHAIN_TX 步骤的类型化视图。
// 规划器可能用 destination、recipient 或 wallet_id 表示目标地址。
type transferParams struct {
	Destination string
	Amount      int64
	HasAmount   bool
}

func parseTransferParams(params map[string]any) transferParams {
	var view transferParams
	for _, key := range []string{"destination", "recipient", "wallet_id"} {
		if value := stringParam(params, key); value != "" {
			view.Destination = value
			break
		}
	}
	if amount, ok := intParam(params, "amount"); ok {
		view.Amount = amount
		view.HasAmount = true
	}
	return view
}

// IsTransfer 判断该步骤是否是一笔可执行的转账。
func (p transferParams) IsTransfer() bool {
	return p.Destination != "" && p.HasAmount
}

// toolParams 是 TOOL_EXECUTION 步骤的类型化视图。
type toolParams struct {
	Name   string
	Params map[string]any
}

func parseToolParams(params map[string]any) toolParams {
	view := toolParams{
		Name:   strings.ToLower(stringParam(params, "tool_name")),
		Params: map[string]any{},
	}
	if nested, ok := params["tool_params"].(map[string]any); ok {
		view.Params = nested
	}
	return view
}

var transferToolNames = map[string]struct{}{
	"transfer":    {},
	"send_qu":     {},
	"send_qubic":  {},
	"send_tokens": {},
	"pay":         {},
}

// IsTransferTool 判断工具名是否为转账类工具。
// 转账类工具必须改走链上转账路径，保证账本逻辑不被绕过。
func (p toolParams) IsTransferTool() bool {
	_, ok := transferToolNames[p.Name]
	return ok
}

// TransferView 从工具参数中提取转账要素。
func (p toolParams) TransferView() transferParams {
	var view transferParams
	for _, key := range []string{"destination", "to", "recipient"} {
		if value := stringParam(p.Params, key); value != "" {
			view.Destination = value
			break
		}
	}
	if amount, ok := intParam(p.Params, "amount"); ok {
		view.Amount = amount
		view.HasAmount = true
	}
	return view
}

// httpParams 是 HTTP_CALL 步骤的类型化视图。
type httpParams struct {
	URL     string
	Method  string
	Payload map[string]any
}

func parseHTTPParams(params map[string]any) httpParams {
	view := httpParams{
		URL:    stringParam(params, "url"),
		Method: strings.ToUpper(stringParam(params, "method")),
	}
	if view.Method == "" {
		view.Method = "POST"
	}
	if payload, ok := params["payload"].(map[string]any); ok {
		view.Payload = payload
	}
	return view
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if value, ok := params[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// intParam 兼容 JSON 解码出的 float64、整数与数字字符串。
func intParam(params map[string]any, key string) (int64, bool) {
	if params == nil {
		return 0, false
	}
	switch value := params[key].(type) {
	case int:
		return int64(value), true
	case int64:
		return value, true
	case float64:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return int64(parsed), true
	default:
		return 0, false
	}
}
