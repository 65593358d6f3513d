// Package metrics 以 Prometheus 文本格式暴露进程内指标，
// 不依赖外部指标库。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram
	tasks    map[string]uint64
	deposits uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	tasks:    make(map[string]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

// ObserveTaskFinished 记录一次任务到达终态。
func ObserveTaskFinished(status string) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.tasks[status]++
}

// ObserveDepositCredited 记录一笔入账被记入账本。
func ObserveDepositCredited() {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.deposits++
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超过最后一个边界的值只计入 +Inf 桶，由 h.count 体现。
}

// Handler 以 Prometheus 文本格式输出指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

// render 输出顺序对每个指标族内的样本按标签排序，保证抓取结果稳定。
func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	writeFamily := func(name, help, kind string, lines []string) {
		builder.WriteString("# HELP " + name + " " + help + "\n")
		builder.WriteString("# TYPE " + name + " " + kind + "\n")
		sort.Strings(lines)
		for _, line := range lines {
			builder.WriteString(line)
		}
	}

	reqLines := make([]string, 0, len(c.requests))
	for key, value := range c.requests {
		reqLines = append(reqLines, fmt.Sprintf("autopilot_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), value))
	}
	writeFamily("autopilot_http_requests_total",
		"Total number of HTTP requests processed.", "counter", reqLines)

	errLines := make([]string, 0, len(c.errors))
	for key, value := range c.errors {
		errLines = append(errLines, fmt.Sprintf("autopilot_http_request_errors_total{handler=%q,method=%q} %d\n",
			escape(key.handler), escape(key.method), value))
	}
	writeFamily("autopilot_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "counter", errLines)

	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler != latKeys[j].handler {
			return latKeys[i].handler < latKeys[j].handler
		}
		return latKeys[i].method < latKeys[j].method
	})
	builder.WriteString("# HELP autopilot_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE autopilot_http_request_duration_seconds histogram\n")
	for _, key := range latKeys {
		hist := c.latency[key]
		handler, method := escape(key.handler), escape(key.method)
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("autopilot_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				handler, method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("autopilot_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			handler, method, hist.count))
		builder.WriteString(fmt.Sprintf("autopilot_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			handler, method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("autopilot_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			handler, method, hist.count))
	}

	taskLines := make([]string, 0, len(c.tasks))
	for status, value := range c.tasks {
		taskLines = append(taskLines, fmt.Sprintf("autopilot_tasks_finished_total{status=%q} %d\n",
			escape(status), value))
	}
	writeFamily("autopilot_tasks_finished_total",
		"Total number of tasks that reached a terminal state.", "counter", taskLines)

	builder.WriteString("# HELP autopilot_deposits_credited_total Total number of on-chain deposits credited to the ledger.\n")
	builder.WriteString("# TYPE autopilot_deposits_credited_total counter\n")
	builder.WriteString(fmt.Sprintf("autopilot_deposits_credited_total %d\n", c.deposits))

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动独立的指标 HTTP 服务，暴露 /metrics 端点。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
