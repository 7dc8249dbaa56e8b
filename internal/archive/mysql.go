package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentFleet/internal/dispute"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/scheduler"
)

const mysqlDuplicateEntry = 1062

// Config 描述 MySQL 归档库的连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 将归档快照写入 MySQL。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 连接数据库并执行尚未应用的迁移。
func NewMySQLStore(ctx context.Context, cfg Config) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化归档库失败")
	}
	store := &MySQLStore{db: db, now: time.Now}
	if err := runMigrations(ctx, db, store.now); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行归档库迁移失败")
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

const insertJobSQL = `INSERT INTO fleet_jobs_archive
    (id, status, executed_by, escrow, escrow_state, retries, created_at, finished_at, snapshot, archived_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertDisputeSQL = `INSERT INTO fleet_disputes_archive
    (id, job_id, agent_id, status, disposition, opened_at, resolved_at, snapshot, archived_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ArchiveJob 实现 Store。主键冲突说明之前已归档，视为成功。
func (s *MySQLStore) ArchiveJob(ctx context.Context, job *scheduler.Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "归档任务不能为空")
	}
	snapshot, err := json.Marshal(job)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务快照失败")
	}
	finished := job.FinishedAt
	if job.ResolvedAt.After(finished) {
		finished = job.ResolvedAt
	}
	_, err = s.db.ExecContext(ctx, insertJobSQL,
		job.ID, string(job.Status), job.ExecutedBy, job.Escrow, string(job.EscrowState), int64(job.Retries),
		job.CreatedAt.Unix(), unixOrZero(finished), string(snapshot), s.now().Unix())
	if err != nil && !isDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务归档失败")
	}
	return nil
}

// ArchiveDispute 实现 Store。
func (s *MySQLStore) ArchiveDispute(ctx context.Context, d *dispute.Dispute) error {
	if d == nil || d.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "归档争议不能为空")
	}
	snapshot, err := json.Marshal(d)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化争议快照失败")
	}
	_, err = s.db.ExecContext(ctx, insertDisputeSQL,
		d.ID, d.JobID, d.AgentID, string(d.Status), string(d.Disposition),
		d.OpenedAt.Unix(), unixOrZero(d.ResolvedAt), string(snapshot), s.now().Unix())
	if err != nil && !isDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入争议归档失败")
	}
	return nil
}

// LookupJob 实现 Store。
func (s *MySQLStore) LookupJob(ctx context.Context, jobID string) (*scheduler.Job, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM fleet_jobs_archive WHERE id = ?`, jobID).Scan(&snapshot)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Newf(scheduler.CodeJobNotFound, "归档中没有任务 %s", jobID)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务归档失败")
	}
	var job scheduler.Job
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务快照失败")
	}
	return &job, nil
}

// LookupDispute 实现 Store。
func (s *MySQLStore) LookupDispute(ctx context.Context, disputeID string) (*dispute.Dispute, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM fleet_disputes_archive WHERE id = ?`, disputeID).Scan(&snapshot)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Newf(dispute.CodeDisputeNotFound, "归档中没有争议 %s", disputeID)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议归档失败")
	}
	var d dispute.Dispute
	if err := json.Unmarshal([]byte(snapshot), &d); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析争议快照失败")
	}
	return &d, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

var _ Store = (*MySQLStore)(nil)
