package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"AgentFleet/internal/dispute"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/event"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// exec 执行命令。配置了事件路由时经由对应分片执行。
func (s *Server) exec(ctx context.Context, cmd event.Command) (any, error) {
	if s.router == nil {
		return s.fleet.Dispatch(ctx, cmd)
	}
	env, err := event.NewEnvelope(cmd)
	if err != nil {
		return nil, err
	}
	return s.router.Submit(ctx, env)
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
	}
	return nil
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	var statuses []registry.Status
	for _, raw := range splitQuery(r, "status") {
		statuses = append(statuses, registry.Status(raw))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.fleet.Registry().List(statuses...)})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.fleet.Registry().Get(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) reinstateAgent(w http.ResponseWriter, r *http.Request) {
	value, err := s.exec(r.Context(), event.AgentReinstate{AgentID: chi.URLParam(r, "agentID")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var opts []scheduler.ListOption
	var statuses []scheduler.Status
	for _, raw := range splitQuery(r, "status") {
		status := scheduler.Status(raw)
		if !scheduler.IsValidStatus(status) {
			writeError(w, xerrors.Newf(xerrors.CodeValidation, "未知的任务状态: %s", raw))
			return
		}
		statuses = append(statuses, status)
	}
	if len(statuses) > 0 {
		opts = append(opts, scheduler.WithStatuses(statuses...))
	}
	if agent := strings.TrimSpace(r.URL.Query().Get("agent")); agent != "" {
		opts = append(opts, scheduler.WithAgent(agent))
	}
	if n, ok := intQuery(r, "limit"); ok {
		opts = append(opts, scheduler.WithLimit(n))
	}
	if n, ok := intQuery(r, "offset"); ok {
		opts = append(opts, scheduler.WithOffset(n))
	}
	if strings.EqualFold(r.URL.Query().Get("order"), "desc") {
		opts = append(opts, scheduler.WithSortOrder(scheduler.SortByCreatedDesc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.fleet.Scheduler().List(opts...)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.fleet.Scheduler().Get(jobID)
	if xerrors.ClassOf(err) == xerrors.ClassNotFound && s.archive != nil {
		job, err = s.archive.LookupJob(r.Context(), jobID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.Spec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	value, err := s.exec(r.Context(), event.Submit{Spec: spec})
	if err != nil {
		writeError(w, err)
		return
	}
	if job, ok := value.(*scheduler.Job); ok {
		w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	}
	writeJSON(w, http.StatusCreated, value)
}

// postEvent 接收 Agent 通过 HTTP 投递的信封，与队列入口共享去重与分片。
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "读取请求体失败"))
		return
	}
	env, cmd, err := event.Decode(data)
	if err != nil {
		writeError(w, err)
		return
	}
	var value any
	if s.router != nil {
		value, err = s.router.Submit(r.Context(), env)
	} else {
		value, err = s.fleet.Dispatch(r.Context(), cmd)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if value == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": env.ID, "status": "duplicate"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": env.ID, "type": env.Type, "result": value})
}

func (s *Server) listDisputes(w http.ResponseWriter, r *http.Request) {
	var statuses []dispute.Status
	for _, raw := range splitQuery(r, "status") {
		statuses = append(statuses, dispute.Status(raw))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.fleet.Arbiter().List(statuses...)})
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	disputeID := chi.URLParam(r, "disputeID")
	d, err := s.fleet.Arbiter().Get(disputeID)
	if xerrors.ClassOf(err) == xerrors.ClassNotFound && s.archive != nil {
		d, err = s.archive.LookupDispute(r.Context(), disputeID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	value, err := s.exec(r.Context(), event.DisputeOpen{Request: req})
	if err != nil {
		writeError(w, err)
		return
	}
	if d, ok := value.(*dispute.Dispute); ok {
		w.Header().Set("Location", "/api/v1/disputes/"+d.ID)
	}
	writeJSON(w, http.StatusCreated, value)
}

func (s *Server) reviewDispute(w http.ResponseWriter, r *http.Request) {
	value, err := s.exec(r.Context(), event.DisputeReview{DisputeID: chi.URLParam(r, "disputeID")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var decision dispute.Decision
	if err := decodeBody(r, &decision); err != nil {
		writeError(w, err)
		return
	}
	value, err := s.exec(r.Context(), event.DisputeResolve{
		DisputeID: chi.URLParam(r, "disputeID"),
		Decision:  decision,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Snapshot())
}

func splitQuery(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intQuery(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
