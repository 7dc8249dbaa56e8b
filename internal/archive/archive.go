// Package archive 保存已从内存移除的任务与争议的最终快照。
package archive

import (
	"context"
	"sort"
	"sync"

	"AgentFleet/internal/dispute"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/scheduler"
)

// Store 是归档存储。重复归档同一记录视为成功。
type Store interface {
	ArchiveJob(ctx context.Context, job *scheduler.Job) error
	ArchiveDispute(ctx context.Context, d *dispute.Dispute) error
	LookupJob(ctx context.Context, jobID string) (*scheduler.Job, error)
	LookupDispute(ctx context.Context, disputeID string) (*dispute.Dispute, error)
	Close() error
}

// MemoryStore 在进程内保存归档，适用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*scheduler.Job
	disputes map[string]*dispute.Dispute
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*scheduler.Job),
		disputes: make(map[string]*dispute.Dispute),
	}
}

// ArchiveJob 实现 Store。
func (s *MemoryStore) ArchiveJob(_ context.Context, job *scheduler.Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "归档任务不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		copied := *job
		s.jobs[job.ID] = &copied
	}
	return nil
}

// ArchiveDispute 实现 Store。
func (s *MemoryStore) ArchiveDispute(_ context.Context, d *dispute.Dispute) error {
	if d == nil || d.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "归档争议不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		copied := *d
		s.disputes[d.ID] = &copied
	}
	return nil
}

// LookupJob 实现 Store。
func (s *MemoryStore) LookupJob(_ context.Context, jobID string) (*scheduler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, xerrors.Newf(scheduler.CodeJobNotFound, "归档中没有任务 %s", jobID)
	}
	copied := *job
	return &copied, nil
}

// LookupDispute 实现 Store。
func (s *MemoryStore) LookupDispute(_ context.Context, disputeID string) (*dispute.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return nil, xerrors.Newf(dispute.CodeDisputeNotFound, "归档中没有争议 %s", disputeID)
	}
	copied := *d
	return &copied, nil
}

// JobIDs 返回已归档任务的 ID。
func (s *MemoryStore) JobIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

var (
	_ Store              = (*MemoryStore)(nil)
	_ scheduler.Archiver = (Store)(nil)
	_ dispute.Archiver   = (Store)(nil)
)
