package task

import (
	"context"
	"fmt"

	"qubic-autopilot/internal/intent"
)

// Planner 是外部规划器协作方：把自然语言目标拆解为有序步骤。
// 产出被视为不可信输入，必须经过 NormalizeSteps 再进入执行。
type Planner interface {
	Plan(ctx context.Context, goal, riskProfile string) ([]PlannedStep, error)
}

// PlannerFunc 允许用函数直接实现 Planner。
type PlannerFunc func(ctx context.Context, goal, riskProfile string) ([]PlannedStep, error)

// Plan 实现 Planner 接口。
func (f PlannerFunc) Plan(ctx context.Context, goal, riskProfile string) ([]PlannedStep, error) {
	return f(ctx, goal, riskProfile)
}

// HeuristicPlanner 是不依赖外部模型的本地规划器：
// 识别到转账意图时产出 转账 步骤，否则只做记录。
// 作为外部规划器不可用时的兜底。
type HeuristicPlanner struct{}

// Plan 实现 Planner 接口。
func (HeuristicPlanner) Plan(_ context.Context, goal, _ string) ([]PlannedStep, error) {
	details := intent.Extract(goal)
	if details.HasAmount && details.Destination != "" {
		return []PlannedStep{
			{
				Type:        string(KindLogOnly),
				Description: fmt.Sprintf("Plan: %s", intent.Describe(details)),
			},
			{
				Type:        string(KindChainTx),
				Description: intent.Describe(details),
				Params: map[string]any{
					"destination": details.Destination,
					"amount":      details.Amount,
				},
			},
		}, nil
	}
	return []PlannedStep{
		{
			Type:        string(KindLogOnly),
			Description: fmt.Sprintf("Recorded goal: %s", goal),
		},
	}, nil
}
