package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qubic-autopilot/internal/approval"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/observability/metrics"
	"qubic-autopilot/internal/task"
	"qubic-autopilot/internal/vault"
	"qubic-autopilot/internal/wallet"
)

// Server 负责暴露 REST 接口，供外部提交目标、审批交易与查询账本。
type Server struct {
	addr      string
	tasks     *task.Service
	approvals *approval.Service
	wallets   *wallet.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, approvals *approval.Service, wallets *wallet.Service) *Server {
	return &Server{addr: addr, tasks: tasks, approvals: approvals, wallets: wallets}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/goals", observed("goals", s.handleGoals))
	mux.HandleFunc("/api/v1/tasks", observed("tasks", s.handleTaskList))
	mux.HandleFunc("/api/v1/tasks/", observed("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/api/v1/approvals", observed("approvals", s.handleApprovals))
	mux.HandleFunc("/api/v1/approvals/", observed("approval_decision", s.handleApprovalDecision))
	mux.HandleFunc("/api/v1/wallet/balance", observed("wallet_balance", s.handleWalletBalance))
	mux.HandleFunc("/api/v1/wallet/ledger", observed("wallet_ledger", s.handleWalletLedger))
	mux.HandleFunc("/api/v1/deposits/verify", observed("deposit_verify", s.handleDepositVerify))
	return mux
}

type goalRequest struct {
	UserID      string `json:"user_id"`
	Goal        string `json:"goal"`
	DryRun      bool   `json:"dry_run"`
	RiskProfile string `json:"risk_profile"`
}

type goalResponse struct {
	Task     *task.Task        `json:"task"`
	Approval *approval.Request `json:"approval,omitempty"`
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	created, request, err := s.tasks.Submit(r.Context(), task.SubmitParams{
		UserID:      req.UserID,
		Goal:        req.Goal,
		DryRun:      req.DryRun,
		RiskProfile: req.RiskProfile,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, goalResponse{Task: created, Approval: request})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id 不能为空", http.StatusBadRequest)
		return
	}
	tasks, err := s.tasks.List(r.Context(), userID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "任务 ID 不能为空", http.StatusBadRequest)
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id 不能为空", http.StatusBadRequest)
		return
	}
	var (
		requests []*approval.Request
		err      error
	)
	if r.URL.Query().Get("scope") == "history" {
		requests, err = s.approvals.History(r.Context(), userID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	} else {
		requests, err = s.approvals.ListPending(r.Context(), userID, queryInt(r, "limit", 20))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

type decisionRequest struct {
	Note string `json:"note"`
}

type decisionResponse struct {
	Approval *approval.Request `json:"approval"`
	Task     *task.Task        `json:"task,omitempty"`
}

// handleApprovalDecision 处理 /api/v1/approvals/{id}/approve|reject。
// 批准后如果审批关联了任务，立即恢复任务执行。
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/approvals/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || (action != "approve" && action != "reject") {
		http.Error(w, "路径必须为 /api/v1/approvals/{id}/approve 或 /reject", http.StatusBadRequest)
		return
	}
	var req decisionRequest
	if r.Body != nil {
		// 决定说明可以省略，空请求体不算错误。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		request *approval.Request
		err     error
	)
	if action == "approve" {
		request, err = s.approvals.Approve(r.Context(), id, req.Note)
	} else {
		request, err = s.approvals.Reject(r.Context(), id, req.Note)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	response := decisionResponse{Approval: request}
	if action == "approve" && request.TaskID != "" {
		resumed, resumeErr := s.tasks.ResumeApproved(r.Context(), request.ID)
		if resumeErr != nil {
			writeError(w, resumeErr)
			return
		}
		response.Task = resumed
	}
	writeJSON(w, http.StatusOK, response)
}

type balanceResponse struct {
	WalletID  string `json:"wallet_id"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Total     int64  `json:"total"`
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id 不能为空", http.StatusBadRequest)
		return
	}
	account, err := s.wallets.GetOrCreateAccount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.wallets.GetBalance(r.Context(), account.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		WalletID:  account.ID,
		Asset:     balance.Asset,
		Available: balance.Available,
		Reserved:  balance.Reserved,
		Total:     balance.Total(),
	})
}

func (s *Server) handleWalletLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id 不能为空", http.StatusBadRequest)
		return
	}
	account, err := s.wallets.GetOrCreateAccount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.wallets.LedgerHistory(r.Context(), account.ID, wallet.LedgerQuery{
		Kind:   wallet.EntryKind(r.URL.Query().Get("kind")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type depositVerifyRequest struct {
	UserID string `json:"user_id"`
	TxID   string `json:"tx_id"`
	Amount int64  `json:"amount"`
}

type depositVerifyResponse struct {
	Credited bool `json:"credited"`
}

func (s *Server) handleDepositVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req depositVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.TxID == "" {
		http.Error(w, "user_id 与 tx_id 不能为空", http.StatusBadRequest)
		return
	}
	credited, err := s.wallets.VerifyAndProcessDeposit(r.Context(), req.UserID, req.TxID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositVerifyResponse{Credited: credited})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, httpStatus(code), errorResponse{Code: string(code), Message: err.Error()})
}

// httpStatus 把统一错误码映射为 HTTP 状态码。
func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound, approval.CodeApprovalNotFound, wallet.CodeWalletNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, approval.CodeStateConflict:
		return http.StatusConflict
	case vault.CodePolicyViolation:
		return http.StatusForbidden
	case wallet.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeChainFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observed 为处理器附加请求指标采集。
func observed(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
