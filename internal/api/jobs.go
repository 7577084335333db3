package api

import (
	"net/http"
	"strconv"
	"strings"

	"BSM-Orchestrator/internal/auth"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/job"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, unavailable("异步作业"))
		return
	}
	var req job.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Actor = auth.Actor(r.Context(), req.Actor)
	req.IP = clientIP(r)
	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

type jobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Stats job.Stats  `json:"stats"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, unavailable("异步作业"))
		return
	}
	opts, err := parseJobListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Stats: stats})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, unavailable("异步作业"))
		return
	}
	found, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func parseJobListOptions(r *http.Request) ([]job.ListOption, error) {
	q := r.URL.Query()
	var opts []job.ListOption
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 limit 必须为正整数")
		}
		opts = append(opts, job.WithLimit(v))
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 offset 必须为非负整数")
		}
		opts = append(opts, job.WithOffset(v))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			st := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if !job.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态 "+part)
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if actor := strings.TrimSpace(q.Get("actor")); actor != "" {
		opts = append(opts, job.WithActor(actor))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, nil
}
