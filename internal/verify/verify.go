// Package verify 提供任务结果校验器。中继证明的具体机制不在核心范围内，
// 这里只给出可组合的实现，真正的证明校验由外部服务接入。
package verify

import (
	"context"
	"strings"
)

// Verifier 判断 Agent 上报的结果是否被接受。
// 返回 error 表示校验服务本身失败，调用方应稍后重试。
type Verifier interface {
	Verify(ctx context.Context, payload, result string) (bool, error)
}

// Func 将函数适配为 Verifier。
type Func func(ctx context.Context, payload, result string) (bool, error)

// Verify 实现 Verifier。
func (f Func) Verify(ctx context.Context, payload, result string) (bool, error) {
	return f(ctx, payload, result)
}

// AcceptAll 接受所有结果。
type AcceptAll struct{}

// Verify 实现 Verifier。
func (AcceptAll) Verify(context.Context, string, string) (bool, error) { return true, nil }

// NonEmpty 拒绝空白结果引用。
type NonEmpty struct{}

// Verify 实现 Verifier。
func (NonEmpty) Verify(_ context.Context, _ string, result string) (bool, error) {
	return strings.TrimSpace(result) != "", nil
}

// Chain 依次调用多个校验器，任一拒绝或失败立即返回。
type Chain []Verifier

// Verify 实现 Verifier。
func (c Chain) Verify(ctx context.Context, payload, result string) (bool, error) {
	for _, v := range c {
		if v == nil {
			continue
		}
		ok, err := v.Verify(ctx, payload, result)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}
