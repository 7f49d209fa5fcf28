package api

import (
	"net/http"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/hooks"
)

type enforceRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handlePolicyEnforce(w http.ResponseWriter, r *http.Request) {
	var in enforceRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if in.Action == "" {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "action is required"))
		return
	}
	result, err := s.enforcer.Evaluate(r.Context(), in.Action, in.Payload)
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "policy evaluate: %v", err))
		return
	}
	if !result.Allow {
		findings := make([]any, 0, len(result.Findings))
		for _, f := range result.Findings {
			findings = append(findings, f)
		}
		s.bus.Publish(hooks.EventPolicyEnforced, map[string]any{
			"action": in.Action, "allow": false, "findings": findings,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": s.enforcer.Audit()})
}

func (s *Server) handlePolicyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scanners": s.enforcer.Scanners(),
		"enabled":  s.flagOn("enable_policy_enforcement"),
	})
}

type ackRequest struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func (s *Server) handlePolicyAck(w http.ResponseWriter, r *http.Request) {
	var in ackRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if in.User == "" || in.Reason == "" {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "user and reason are required"))
		return
	}
	token, err := s.acks.Record(r.Context(), in.User, in.Reason)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}
