package server

import (
	"net/http"
	"strconv"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/graph"
)

// listEnvelope is the shared listing response shape.
type listEnvelope struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params graph.CreateEntityParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	entity, pending, err := s.graph.CreateEntity(r.Context(), p, params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	entity, err := s.graph.GetEntity(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	entities, total, err := s.graph.ListEntities(r.Context(), p, graph.ListEntitiesParams{
		Type:   q.Get("type"),
		Status: q.Get("status"),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	})
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: entities, Total: total})
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params graph.UpdateEntityParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	entity, pending, err := s.graph.UpdateEntity(r.Context(), p, r.PathValue("id"), params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())

	var params graph.CreateRelationshipParams
	if !readJSON(w, s.logger, r, &params) {
		return
	}

	rel, pending, err := s.graph.CreateRelationship(r.Context(), p, params)
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	rel, err := s.graph.GetRelationship(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	p := access.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	rels, total, err := s.graph.ListRelationships(r.Context(), p, graph.ListRelationshipsParams{
		Type:       q.Get("type"),
		SourceKind: q.Get("source_kind"),
		SourceID:   q.Get("source_id"),
		Limit:      queryInt(q.Get("limit")),
		Offset:     queryInt(q.Get("offset")),
	})
	if err != nil {
		writeErrorResponse(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: rels, Total: total})
}

// queryInt parses a numeric query parameter, treating absent or malformed
// values as zero.
func queryInt(raw string) int {
	n, _ := strconv.Atoi(raw)
	if n < 0 {
		return 0
	}
	return n
}
