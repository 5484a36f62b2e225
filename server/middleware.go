package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
)

// withFloodLimit applies the process-wide token-bucket limiter. It runs
// before principal extraction so a flood cannot buy work from the
// vocabulary registry.
func (s *Server) withFloodLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.flood.Allow() {
			w.Header().Set("Retry-After", "1")
			writeErrorResponse(w, s.logger, errors.Wrap(errors.ErrRateLimited, "service is over capacity"))
			return
		}
		next(w, r)
	}
}

// withPrincipal reads the upstream-verified principal headers and attaches
// the Principal to the request context. Requests without an actor header
// are rejected before touching any data path.
func (s *Server) withPrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.principalFromHeaders(r)
		if err != nil {
			writeErrorResponse(w, s.logger, err)
			return
		}
		next(w, r.WithContext(access.WithPrincipal(r.Context(), p)))
	}
}

func (s *Server) principalFromHeaders(r *http.Request) (*access.Principal, error) {
	actor := strings.TrimSpace(r.Header.Get(s.cfg.Server.ActorHeader))
	if actor == "" {
		return nil, errors.NewForbiddenError("missing %s header", s.cfg.Server.ActorHeader)
	}

	kind := access.KindHumanUser
	switch k := r.Header.Get(s.cfg.Server.KindHeader); k {
	case "", string(access.KindHumanUser):
	case string(access.KindHumanAdmin):
		kind = access.KindHumanAdmin
	case string(access.KindAgent):
		kind = access.KindAgent
	default:
		return nil, errors.Wrapf(errors.ErrUnknownEnum, "unknown principal kind %q", k)
	}

	admin := kind == access.KindHumanAdmin && r.Header.Get(s.cfg.Server.AdminHeader) == "true"

	var scopeIDs []string
	if raw := strings.TrimSpace(r.Header.Get(s.cfg.Server.ScopesHeader)); raw != "" {
		names := []string{}
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		resolved, err := s.registry.ResolveScopes(names)
		if err != nil {
			return nil, err
		}
		scopeIDs = resolved
	}

	return &access.Principal{ID: actor, Kind: kind, Scopes: scopeIDs, IsAdmin: admin}, nil
}

// withRateGuard applies the per-principal sliding window. A limited
// request is audited as a rate_limit event and answered with Retry-After
// set to the window size.
func (s *Server) withRateGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := access.PrincipalFromContext(r.Context())
		if err := s.guard.Allow(p.ID); err != nil {
			s.recorder.Record(r.Context(), audit.Entry{
				ActorID: p.ID, LogType: audit.TypeRateLimit,
				Detail: map[string]any{"path": r.URL.Path, "method": r.Method},
			})
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.guard.Window().Seconds())))
			writeErrorResponse(w, s.logger, err)
			return
		}
		next(w, r)
	}
}
