package api

import (
	"net/http"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/scheduler"
)

func (s *Server) handleScheduleSubmit(w http.ResponseWriter, r *http.Request) {
	var in scheduler.SubmitInput
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	job, err := s.sched.Submit(r.Context(), in)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type claimRequest struct {
	Worker       string   `json:"worker"`
	Target       string   `json:"target"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleScheduleClaim(w http.ResponseWriter, r *http.Request) {
	var in claimRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	job, err := s.sched.Claim(r.Context(), in.Worker, scheduler.Target(in.Target), in.Capabilities)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	// No claimable job is a normal answer, not an error.
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type jobRef struct {
	ID     string         `json:"id"`
	Worker string         `json:"worker,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) handleScheduleComplete(w http.ResponseWriter, r *http.Request) {
	var in jobRef
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := s.sched.Complete(r.Context(), in.ID, in.Result); err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScheduleFail(w http.ResponseWriter, r *http.Request) {
	var in jobRef
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := s.sched.Fail(r.Context(), in.ID, in.Error); err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScheduleRequeue(w http.ResponseWriter, r *http.Request) {
	var in jobRef
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := s.sched.Requeue(r.Context(), in.ID); err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	var in jobRef
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := s.sched.Cancel(r.Context(), in.ID); err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScheduleState(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.StateOf(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleScheduleBoard(w http.ResponseWriter, r *http.Request) {
	target := scheduler.Target(r.URL.Query().Get("target"))
	writeJSON(w, http.StatusOK, s.sched.BoardSnapshot(target))
}

func (s *Server) handleScheduleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.HealthSnapshot())
}

type computeRequest struct {
	Kind     string             `json:"kind"`
	CostHint scheduler.CostHint `json:"cost_hint"`
}

func (s *Server) handleComputeAdvise(w http.ResponseWriter, r *http.Request) {
	var in computeRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if in.Kind == "" {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "kind is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Advise(in.Kind, in.CostHint))
}

func (s *Server) handleComputeCosts(w http.ResponseWriter, r *http.Request) {
	var in computeRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if in.Kind == "" {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "kind is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.sched.PreviewCost(in.Kind, in.CostHint))
}
