package scheduler

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total      int   `json:"total"`
	Pending    int   `json:"pending"`
	Assigned   int   `json:"assigned"`
	InProgress int   `json:"in_progress"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	Disputed   int   `json:"disputed"`
	Resolved   int   `json:"resolved"`
	EscrowHeld int64 `json:"escrow_held"`
}

func (s *Stats) add(job *Job) {
	s.Total++
	switch job.Status {
	case StatusPending:
		s.Pending++
	case StatusAssigned:
		s.Assigned++
	case StatusInProgress:
		s.InProgress++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusDisputed:
		s.Disputed++
	case StatusResolved:
		s.Resolved++
	}
	switch job.EscrowState {
	case EscrowHeld, EscrowSettling, EscrowFrozen:
		s.EscrowHeld += job.Escrow
	}
}

// ByStatus 以状态为键返回计数，便于导出指标。
func (s Stats) ByStatus() map[Status]int {
	return map[Status]int{
		StatusPending:    s.Pending,
		StatusAssigned:   s.Assigned,
		StatusInProgress: s.InProgress,
		StatusCompleted:  s.Completed,
		StatusFailed:     s.Failed,
		StatusDisputed:   s.Disputed,
		StatusResolved:   s.Resolved,
	}
}

// StatsOf 统计一组任务快照。
func StatsOf(jobs []*Job) Stats {
	var stats Stats
	for _, job := range jobs {
		stats.add(job)
	}
	return stats
}
