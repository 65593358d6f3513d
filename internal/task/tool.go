package task

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Tool 是可供 TOOL_EXECUTION 步骤调用的注册工具。
// 返回的结果里 ok=false 会被引擎当作步骤失败处理。
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ToolRegistry 管理已注册的工具。
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry 创建空的工具注册表。
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register 注册一个工具，名称不区分大小写。
func (r *ToolRegistry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(tool.Name())] = tool
}

// Get 返回指定名称的工具。
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.ToLower(name)]
	return tool, ok
}

// Names 返回全部已注册的工具名，按字典序。
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
