package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"taskd/internal/admin"
	"taskd/internal/domain"
	"taskd/internal/queue"
)

type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Debug   bool
}

type Server struct {
	r     *chi.Mux
	admin *admin.Service
}

func NewServer(svc *admin.Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, admin: svc}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(withPrincipal)

		r.Get("/queues/{queue}/failed", s.listFailedJobs)
		r.Get("/queues/{queue}/jobs/{id}", s.describeJob)
		r.Delete("/jobs/failed", s.removeFailedJobs)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Get("/tasks/{id}/history", s.taskHistory)
		r.Post("/tasks/{id}/run", s.runTask)
		r.Post("/tasks/{id}/submit", s.transitionTask(s.admin.SubmitTask))
		r.Post("/tasks/{id}/revert", s.transitionTask(s.admin.RevertToDraft))
		r.Post("/tasks/{id}/cancel", s.transitionTask(s.admin.CancelTask))

		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Post("/schedules/rebuild", s.rebuildSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)

		r.Get("/logs", s.listLogs)
		r.Delete("/logs", s.deleteLogs)
		r.Get("/logs/{id}", s.getLog)

		r.Get("/events", s.events)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.admin.ListFailedJobs(r.Context(), principal(r), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) describeJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.admin.DescribeJob(r.Context(), principal(r), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(detail.Text))
}

func (s *Server) removeFailedJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.admin.RemoveFailedJobs(r.Context(), principal(r), q.Get("date_from"), q.Get("date_to"), q.Get("wildcard_text"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResp{Deleted: n})
}

type deletedResp struct {
	Deleted int `json:"deleted"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.admin.ListTasks(r.Context(), principal(r), domain.TaskState(r.URL.Query().Get("state")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskReq struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Handler     string          `json:"handler"`
	Arguments   json.RawMessage `json:"arguments"`
	QueueName   string          `json:"queue_name"`
	MaxDuration int             `json:"max_duration"`
	LogOutput   bool            `json:"log_output"`
	Version     int             `json:"version"`
}

func (req taskReq) task() domain.Task {
	return domain.Task{
		ID:          req.ID,
		Description: req.Description,
		Handler:     req.Handler,
		Arguments:   req.Arguments,
		QueueName:   req.QueueName,
		MaxDuration: req.MaxDuration,
		LogOutput:   req.LogOutput,
		Version:     req.Version,
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.admin.CreateTask(r.Context(), principal(r), req.task())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.admin.GetTask(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	task, err := s.admin.UpdateTask(r.Context(), principal(r), req.task())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteTask(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.admin.TaskHistory(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.Transition{}
	}
	writeJSON(w, http.StatusOK, history)
}

type runResp struct {
	JobID  string            `json:"job_id"`
	Result *domain.RunResult `json:"result,omitempty"`
}

// runTask answers 202 with the job id. ?at=<RFC 3339 time> delays the run
// until then. With ?wait=true it holds the request until the run finishes
// and includes the result.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	var (
		h   admin.RunHandle
		err error
	)
	id := chi.URLParam(r, "id")
	if v := r.URL.Query().Get("at"); v != "" {
		at, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			writeError(w, r, domain.Invalid("at", "must be an RFC 3339 time"))
			return
		}
		h, err = s.admin.RunTaskLater(r.Context(), principal(r), id, at)
	} else {
		h, err = s.admin.RunTaskNow(r.Context(), principal(r), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, runResp{JobID: h.JobID})
		return
	}
	select {
	case res, ok := <-h.Done:
		if !ok {
			writeJSON(w, http.StatusAccepted, runResp{JobID: h.JobID})
			return
		}
		writeJSON(w, http.StatusOK, runResp{JobID: h.JobID, Result: &res})
	case <-r.Context().Done():
	}
}

type transitionFunc func(ctx context.Context, p admin.Principal, id string) (domain.Task, error)

func (s *Server) transitionTask(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := fn(r.Context(), principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.admin.ListSchedules(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// scheduleReq tells an omitted "enabled" apart from false. New schedules
// default to enabled; updates keep the stored value.
type scheduleReq struct {
	domain.Schedule
	Enabled *bool `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decodeJSON(w, r, &req) {
		return
	}
	in := req.Schedule
	in.ID = ""
	in.Enabled = req.Enabled == nil || *req.Enabled
	sched, err := s.admin.CreateSchedule(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.admin.GetSchedule(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decodeJSON(w, r, &req) {
		return
	}
	in := req.Schedule
	in.ID = chi.URLParam(r, "id")
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	} else {
		cur, err := s.admin.GetSchedule(r.Context(), principal(r), in.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.Enabled = cur.Enabled
	}
	sched, err := s.admin.UpdateSchedule(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteSchedule(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rebuildSchedules(w http.ResponseWriter, r *http.Request) {
	summary, err := s.admin.RebuildAllSchedules(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.LogFilter{TaskID: q.Get("task_id"), JobID: q.Get("job_id"), Status: domain.LogStatus(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, domain.Invalid("limit", "must be a positive integer"))
			return
		}
		f.Limit = n
	}
	logs, err := s.admin.ListLogs(r.Context(), principal(r), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.TaskLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	entry, err := s.admin.GetLog(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) deleteLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.admin.DeleteLogsByDates(r.Context(), principal(r), q.Get("from_date"), q.Get("to_date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResp{Deleted: n})
}
