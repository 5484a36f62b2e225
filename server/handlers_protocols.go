package server

import (
	"net/http"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/protocols"
)

func (s *Server) handleCreateProtocol(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params protocols.CreateParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	proto, pending, err := s.protocols.Create(r.Context(), p, params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	writeJSON(w, http.StatusCreated, proto)
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	proto, err := s.protocols.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, proto)
}

// handleGetProtocolContent serves raw protocol content as plain text.
// Trusted content answers not-found for non-admin callers.
func (s *Server) handleGetProtocolContent(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	content, err := s.protocols.GetContent(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	protos, total, err := s.protocols.List(r.Context(), p, queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: protos, Total: total})
}

func (s *Server) handleUpdateProtocol(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params protocols.UpdateParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	proto, pending, err := s.protocols.Update(r.Context(), p, r.PathValue("id"), params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	writeJSON(w, http.StatusOK, proto)
}
