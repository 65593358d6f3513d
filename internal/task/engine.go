package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"qubic-autopilot/internal/alerting"
	"qubic-autopilot/internal/chain"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/observability/metrics"
	"qubic-autopilot/internal/vault"
	"qubic-autopilot/internal/wallet"
	"qubic-autopilot/pkg/logger"
)

// PolicyFunc 返回用户当前的金库规则。
type PolicyFunc func(ctx context.Context, userID string) (vault.Policy, error)

// Engine 是任务执行状态机：按声明顺序执行步骤，
// 第一个失败的步骤终止任务。步骤级错误只记录在步骤上，
// 永远不会作为错误抛给调用方。
type Engine struct {
	store      Store
	wallet     *wallet.Service
	vault      *vault.Engine
	chain      chain.Client
	policyFor  PolicyFunc
	httpClient *http.Client
	tools      *ToolRegistry
	alerts     alerting.Dispatcher
}

// EngineOption 定义引擎的可选配置。
type EngineOption func(*Engine)

// WithHTTPClient 指定 HTTP_CALL 步骤使用的客户端。
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithTools 指定工具注册表。
func WithTools(tools *ToolRegistry) EngineOption {
	return func(e *Engine) {
		if tools != nil {
			e.tools = tools
		}
	}
}

// WithAlerts 指定事件通知分发器。
func WithAlerts(alerts alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		if alerts != nil {
			e.alerts = alerts
		}
	}
}

// NewEngine 构造执行引擎。
func NewEngine(store Store, walletSvc *wallet.Service, vaultEngine *vault.Engine,
	chainClient chain.Client, policyFor PolicyFunc, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		wallet:     walletSvc,
		vault:      vaultEngine,
		chain:      chainClient,
		policyFor:  policyFor,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tools:      NewToolRegistry(),
		alerts:     alerting.LogDispatcher{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 领取并执行一个任务。任务级失败写入存储后返回 nil；
// 返回非 nil 错误只代表基础设施故障（存储不可用等）。
func (e *Engine) Run(ctx context.Context, taskID string) error {
	task, err := e.store.Claim(ctx, taskID)
	if err != nil {
		return err
	}
	task.AppendLog(fmt.Sprintf("Starting execution for goal: %s", task.Goal))
	if err := e.store.Update(ctx, task); err != nil {
		return err
	}

	for _, step := range task.Steps {
		e.executeStep(ctx, task, step)
		if updateErr := e.store.Update(ctx, task); updateErr != nil {
			return updateErr
		}
		if step.Status == StepFailed {
			task.Status = StatusFailed
			task.AppendLog("Stopping task due to step failure.")
			if err := e.store.Update(ctx, task); err != nil {
				return err
			}
			logger.Audit().Warn("任务执行失败",
				"task_id", task.ID,
				"user_id", task.UserID,
				"step_id", step.ID,
				"error", step.Error,
			)
			_ = e.alerts.Notify(ctx, alerting.Event{
				Kind:       alerting.KindTaskFailed,
				Severity:   xerrors.SeverityWarning,
				Message:    step.Error,
				UserID:     task.UserID,
				TaskID:     task.ID,
				OccurredAt: time.Now(),
			})
			metrics.ObserveTaskFinished(string(StatusFailed))
			return nil
		}
	}

	task.Status = StatusCompleted
	task.AppendLog("Task completed successfully.")
	if err := e.store.Update(ctx, task); err != nil {
		return err
	}
	logger.Audit().Info("任务执行完成", "task_id", task.ID, "user_id", task.UserID)
	metrics.ObserveTaskFinished(string(StatusCompleted))
	return nil
}

// executeStep 执行单个步骤，任何失败都收敛到步骤状态上。
func (e *Engine) executeStep(ctx context.Context, task *Task, step *Step) {
	step.Status = StepRunning
	step.StartedAt = time.Now().Unix()
	task.AppendLog(fmt.Sprintf("Started step (%s): %s", step.Kind, step.Description))

	// dry-run 按步骤判定：有副作用的步骤整体跳过。
	if task.DryRun && step.Kind.SideEffecting() {
		e.finishStep(task, step, map[string]any{
			"ok":      true,
			"dry_run": true,
			"message": "Step execution skipped (Dry Run)",
		}, nil)
		return
	}

	var (
		result map[string]any
		err    error
	)
	switch step.Kind {
	case KindAIPlan:
		result = e.handlePlan(task, step)
	case KindOracleRead:
		result, err = e.handleOracleRead(ctx, step)
	case KindChainTx:
		result, err = e.handleChainTx(ctx, task, step.Params)
	case KindHTTPCall:
		result, err = e.handleHTTPCall(ctx, task, step)
	case KindLogOnly:
		result = map[string]any{"ok": true, "message": step.Description}
	case KindToolExecution:
		result, err = e.handleToolExecution(ctx, task, step)
	default:
		result = map[string]any{"ok": true, "note": "custom step recorded, no handler bound"}
	}
	e.finishStep(task, step, result, err)
}

// finishStep 统一处理步骤收尾：结构化结果里 ok=false
// 等同于失败，即使处理器没有返回错误。
func (e *Engine) finishStep(task *Task, step *Step, result map[string]any, err error) {
	step.FinishedAt = time.Now().Unix()
	if err == nil && result != nil {
		if ok, present := result["ok"].(bool); present && !ok {
			message, _ := result["error"].(string)
			if message == "" {
				message = fmt.Sprintf("%s returned ok=false", step.Kind)
			}
			err = xerrors.New(CodeTaskValidation, message)
		}
	}
	if result != nil {
		if raw, marshalErr := json.Marshal(result); marshalErr == nil {
			step.Result = string(raw)
		}
	}
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		task.AppendLog(fmt.Sprintf("Failed step: %s | error=%s", step.Description, step.Error))
		return
	}
	step.Status = StepCompleted
	task.AppendLog(fmt.Sprintf("Completed step: %s", step.Description))
}

// handleChainTx 处理链上交易步骤。三种模式：
// 直接转账（真实交易）、rebalance 模拟、携带 transaction_id 的记账空操作。
func (e *Engine) handleChainTx(ctx context.Context, task *Task, params map[string]any) (map[string]any, error) {
	view := parseTransferParams(params)
	if view.IsTransfer() {
		return e.executeTransfer(ctx, task, view)
	}

	if _, ok := params["transaction_id"]; ok {
		return map[string]any{
			"ok":   true,
			"mode": "TX_META_NOOP",
			"note": "signing and broadcasting handled in the transfer step",
		}, nil
	}

	if trades, ok := params["trade_actions"].([]any); ok && len(trades) > 0 {
		return map[string]any{
			"ok":              true,
			"mode":            "REBALANCE_SIMULATED",
			"simulated":       true,
			"executed_trades": trades,
		}, nil
	}

	return map[string]any{
		"ok":    false,
		"error": "chain tx step has neither destination+amount, transaction_id nor trade_actions",
	}, nil
}

// executeTransfer 执行真实转账：策略校验 → 预留 → 广播 →
// 成功结清 / 失败退款。任何账本变更之前先过金库。
func (e *Engine) executeTransfer(ctx context.Context, task *Task, view transferParams) (map[string]any, error) {
	account, err := e.wallet.GetOrCreateAccount(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	policy, err := e.policy(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	if err := e.vault.Validate(ctx, account.ID, policy, vault.Transfer{
		Action:      "send",
		Amount:      view.Amount,
		Destination: view.Destination,
	}); err != nil {
		return nil, err
	}

	if err := e.wallet.Reserve(ctx, account.ID, view.Amount); err != nil {
		if xerrors.CodeOf(err) == wallet.CodeInsufficientBalance {
			return map[string]any{
				"ok":    false,
				"mode":  "TRANSFER",
				"error": fmt.Sprintf("insufficient virtual balance, need %d", view.Amount),
			}, nil
		}
		return nil, err
	}

	sendResult, sendErr := e.chain.Send(ctx, view.Destination, view.Amount)
	if sendErr != nil {
		if releaseErr := e.wallet.Release(ctx, account.ID, view.Amount, true); releaseErr != nil {
			logger.L().Error("转账失败后退款失败",
				"task_id", task.ID,
				"wallet_id", account.ID,
				"error", releaseErr,
			)
		}
		return map[string]any{
			"ok":    false,
			"mode":  "TRANSFER",
			"error": sendErr.Error(),
		}, nil
	}

	if err := e.wallet.Release(ctx, account.ID, view.Amount, false); err != nil {
		return nil, err
	}
	goal := task.Goal
	if len(goal) > 50 {
		goal = goal[:50] + "..."
	}
	if _, err := e.wallet.RecordSpend(ctx, account.ID, view.Amount, wallet.KindAgentExecution, wallet.Detail{
		TxID:        sendResult.TxID,
		Description: fmt.Sprintf("Agent Task: %s", goal),
		Metadata:    map[string]string{"task_id": task.ID, "dest": view.Destination},
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"ok":          true,
		"mode":        "TRANSFER",
		"destination": view.Destination,
		"amount":      view.Amount,
		"tx_id":       sendResult.TxID,
	}, nil
}

// handleToolExecution 执行注册工具。转账类工具改走链上转账路径，
// 保证虚拟账本不被工具绕过；其余工具先过金库再执行。
func (e *Engine) handleToolExecution(ctx context.Context, task *Task, step *Step) (map[string]any, error) {
	view := parseToolParams(step.Params)
	if view.Name == "" {
		return map[string]any{"ok": false, "error": "no tool_name specified in step params"}, nil
	}

	if view.IsTransferTool() {
		transfer := view.TransferView()
		if !transfer.IsTransfer() {
			return map[string]any{
				"ok":    false,
				"error": fmt.Sprintf("transfer tool %s missing destination or amount", view.Name),
			}, nil
		}
		return e.executeTransfer(ctx, task, transfer)
	}

	if amount, ok := intParam(view.Params, "amount"); ok {
		account, err := e.wallet.GetOrCreateAccount(ctx, task.UserID)
		if err != nil {
			return nil, err
		}
		policy, err := e.policy(ctx, task.UserID)
		if err != nil {
			return nil, err
		}
		if err := e.vault.Validate(ctx, account.ID, policy, vault.Transfer{
			Action:      view.Name,
			Amount:      amount,
			Destination: stringParam(view.Params, "destination"),
		}); err != nil {
			return nil, err
		}
	}

	tool, ok := e.tools.Get(view.Name)
	if !ok {
		return map[string]any{
			"ok":              false,
			"error":           fmt.Sprintf("tool %q not found in registry", view.Name),
			"available_tools": e.tools.Names(),
		}, nil
	}
	return tool.Execute(ctx, view.Params)
}

// handleHTTPCall 调用外部 HTTP 端点（webhook、自动化平台）。
// 未提供 URL 视为跳过而不是失败。
func (e *Engine) handleHTTPCall(ctx context.Context, task *Task, step *Step) (map[string]any, error) {
	view := parseHTTPParams(step.Params)
	if view.URL == "" {
		return map[string]any{
			"ok":      true,
			"skipped": true,
			"note":    "http call skipped: no url provided in step params",
		}, nil
	}
	payload := view.Payload
	if payload == nil {
		payload = map[string]any{"goal": task.Goal, "task_id": task.ID}
	}

	var request *http.Request
	var err error
	if view.Method == http.MethodGet {
		request, err = http.NewRequestWithContext(ctx, http.MethodGet, view.URL, nil)
	} else {
		body, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, marshalErr, "编码 HTTP payload 失败")
		}
		request, err = http.NewRequestWithContext(ctx, view.Method, view.URL, bytes.NewReader(body))
		if request != nil {
			request.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return map[string]any{"ok": false, "url": view.URL, "error": err.Error()}, nil
	}

	response, err := e.httpClient.Do(request)
	if err != nil {
		return map[string]any{
			"ok":    false,
			"url":   view.URL,
			"error": fmt.Sprintf("http request failed: %v", err),
		}, nil
	}
	defer response.Body.Close()

	ok := response.StatusCode < 400
	result := map[string]any{
		"ok":          ok,
		"url":         view.URL,
		"method":      view.Method,
		"status_code": response.StatusCode,
	}
	if !ok {
		result["error"] = fmt.Sprintf("non-success status code: %d", response.StatusCode)
	}
	return result, nil
}

// handleOracleRead 读取托管身份的链上余额，构造简单的组合视图。
func (e *Engine) handleOracleRead(ctx context.Context, step *Step) (map[string]any, error) {
	identity := stringParam(step.Params, "identity")
	if identity == "" {
		identity = stringParam(step.Params, "wallet_address")
	}
	if identity == "" {
		identity = e.chain.Identity()
	}

	balance, err := e.chain.BalanceOf(ctx, identity)
	if err != nil {
		return map[string]any{
			"ok":    false,
			"error": fmt.Sprintf("failed to fetch on-chain balance: %v", err),
		}, nil
	}

	allocations := map[string]any{}
	if balance > 0 {
		allocations[e.wallet.Asset()] = 1.0
	}
	return map[string]any{
		"ok":                  true,
		"identity":            identity,
		"portfolio_value":     balance,
		"current_allocations": allocations,
	}, nil
}

// handlePlan 基于上一个 oracle 步骤的组合数据和本步骤的目标配置
// 计算调仓动作，并注入到下一个链上交易步骤。
func (e *Engine) handlePlan(task *Task, step *Step) map[string]any {
	current := -1
	for i, candidate := range task.Steps {
		if candidate.ID == step.ID {
			current = i
			break
		}
	}

	var oracleData map[string]any
	for i := current - 1; i >= 0; i-- {
		if task.Steps[i].Kind != KindOracleRead || task.Steps[i].Result == "" {
			continue
		}
		decoded := map[string]any{}
		if json.Unmarshal([]byte(task.Steps[i].Result), &decoded) == nil {
			oracleData = decoded
		}
		break
	}
	if oracleData == nil {
		return map[string]any{
			"ok":   true,
			"note": "no oracle data found, skipping rebalance calculation",
		}
	}

	portfolioValue, _ := oracleData["portfolio_value"].(float64)
	targetAllocation, _ := step.Params["target_allocation"].(map[string]any)
	if len(targetAllocation) == 0 || portfolioValue <= 0 {
		return map[string]any{
			"ok":   true,
			"note": "missing target allocation or portfolio value, no rebalance performed",
		}
	}
	currentAllocation, _ := oracleData["current_allocations"].(map[string]any)

	var trades []any
	for asset, target := range targetAllocation {
		targetRatio, ok := target.(float64)
		if !ok {
			continue
		}
		currentRatio, _ := currentAllocation[asset].(float64)
		delta := (targetRatio - currentRatio) * portfolioValue
		if delta == 0 {
			continue
		}
		side := "buy"
		if delta < 0 {
			side = "sell"
			delta = -delta
		}
		trades = append(trades, map[string]any{
			"asset":  asset,
			"action": side,
			"amount": delta,
		})
	}

	// 调仓动作注入紧随其后的链上交易步骤。
	if current >= 0 && current+1 < len(task.Steps) && task.Steps[current+1].Kind == KindChainTx {
		next := task.Steps[current+1]
		if next.Params == nil {
			next.Params = map[string]any{}
		}
		next.Params["trade_actions"] = trades
	}

	return map[string]any{
		"ok":                true,
		"portfolio_value":   portfolioValue,
		"target_allocation": targetAllocation,
		"trade_actions":     trades,
	}
}

func (e *Engine) policy(ctx context.Context, userID string) (vault.Policy, error) {
	if e.policyFor == nil {
		return vault.DefaultPolicy(), nil
	}
	return e.policyFor(ctx, userID)
}
