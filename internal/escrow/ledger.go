package escrow

import (
	"context"
	"sync"

	xerrors "AgentFleet/internal/errors"
)

// Ledger 是内存中的托管账本，用于开发环境与测试。
type Ledger struct {
	mu       sync.Mutex
	frozen   map[string]int64
	released map[string]Disposition
	balances map[string]int64
	refunded int64
}

// NewLedger 创建 Ledger。
func NewLedger() *Ledger {
	return &Ledger{
		frozen:   make(map[string]int64),
		released: make(map[string]Disposition),
		balances: make(map[string]int64),
	}
}

// Settle 将 amount 计入 Agent 余额。
func (l *Ledger) Settle(_ context.Context, agentID string, amount int64) error {
	if agentID == "" || amount < 0 {
		return xerrors.New(xerrors.CodeValidation, "结算参数不合法")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[agentID] += amount
	return nil
}

// Freeze 冻结任务的托管资金。重复冻结同一任务不会改变金额。
func (l *Ledger) Freeze(_ context.Context, jobID string, amount int64) error {
	if jobID == "" || amount < 0 {
		return xerrors.New(xerrors.CodeValidation, "冻结参数不合法")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.frozen[jobID]; !ok {
		l.frozen[jobID] = amount
	}
	return nil
}

// Release 按裁决释放冻结资金。同一争议只会生效一次。
func (l *Ledger) Release(_ context.Context, disputeID string, d Disposition) error {
	if disputeID == "" {
		return xerrors.New(xerrors.CodeValidation, "争议 ID 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.released[disputeID]; done {
		return nil
	}
	amount, ok := l.frozen[d.JobID]
	if !ok {
		amount = d.Amount
	}
	switch d.Kind {
	case KindReleaseToAgent:
		l.balances[d.AgentID] += amount
	case KindRefundRequester:
		l.refunded += amount
	default:
		return xerrors.Newf(xerrors.CodeValidation, "未知的释放方式: %s", d.Kind)
	}
	delete(l.frozen, d.JobID)
	l.released[disputeID] = d
	return nil
}

// Balance 返回 Agent 的已结算余额。
func (l *Ledger) Balance(agentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[agentID]
}

// Frozen 返回任务当前冻结金额以及是否处于冻结状态。
func (l *Ledger) Frozen(jobID string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.frozen[jobID]
	return amount, ok
}

// Refunded 返回已退还给需求方的总额。
func (l *Ledger) Refunded() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunded
}

// Releases 返回已执行的释放次数。
func (l *Ledger) Releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.released)
}

var _ Settlement = (*Ledger)(nil)
