package server

import (
	"net/http"
	"time"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
)

func invalidTimestamp(param, raw string) error {
	return errors.NewValidationError("%s must be RFC3339, got %q", param, raw)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params agents.CreateParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	agent, err := s.agents.Create(r.Context(), p, params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	agent, err := s.agents.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	list, total, err := s.agents.List(r.Context(), p, queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: list, Total: total})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params agents.UpdateParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	agent, err := s.agents.Update(r.Context(), p, r.PathValue("id"), params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	list, total, err := s.workflow.List(r.Context(), p, approval.Status(q.Get("status")),
		queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: list, Total: total})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	req, err := s.workflow.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	req, err := s.workflow.Approve(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var body struct {
		Notes string `json:"notes"`
	}
	if !readOptionalJSON(w, s.logger, r, &body) {
		return
	}

	req, err := s.workflow.Reject(r.Context(), p, r.PathValue("id"), body.Notes)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	f := audit.Filter{
		ActorID: q.Get("actor"),
		ScopeID: q.Get("scope"),
		LogType: q.Get("type"),
		Limit:   queryInt(q.Get("limit")),
		Offset:  queryInt(q.Get("offset")),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorResponse(w, s.logger, invalidTimestamp("since", raw))
			return
		}
		f.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorResponse(w, s.logger, invalidTimestamp("until", raw))
			return
		}
		f.Until = ts
	}

	entries, total, err := s.recorder.Query(r.Context(), p, f)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: entries, Total: total})
}
