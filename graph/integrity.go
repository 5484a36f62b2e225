package graph

import (
	"context"
	"database/sql"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/internal/util"
)

// endpointTables maps endpoint kinds to the tables holding their rows.
var endpointTables = map[string]string{
	KindEntity:   "entities",
	KindAgent:    "agents",
	KindProtocol: "protocols",
}

// CheckEndpoints validates that both relationship endpoints exist and are
// visible to the acting principal. It runs before a relationship is
// persisted and before one is queued for approval, so approval requests
// are never created for provably-invalid graphs.
func (s *Service) CheckEndpoints(ctx context.Context, p *access.Principal, source, target EndpointRef) error {
	if err := s.checkEndpoint(ctx, p, source, "source"); err != nil {
		return err
	}
	return s.checkEndpoint(ctx, p, target, "target")
}

func (s *Service) checkEndpoint(ctx context.Context, p *access.Principal, ref EndpointRef, role string) error {
	table, ok := endpointTables[ref.Kind]
	if !ok {
		return errors.NewValidationError("%s endpoint has unknown kind %q", role, ref.Kind)
	}

	var scopeIDs string
	err := s.db.QueryRowContext(ctx,
		"SELECT scope_ids FROM "+table+" WHERE id = ?", ref.ID,
	).Scan(&scopeIDs)
	if err == sql.ErrNoRows {
		return errors.NewValidationError("%s endpoint %s/%s does not exist", role, ref.Kind, ref.ID)
	}
	if err != nil {
		return errors.WrapStore(err, "resolve "+role+" endpoint")
	}

	// An endpoint the principal cannot see reads the same as a missing one.
	if !access.CanRead(p, util.DecodeStrings(scopeIDs)) {
		return errors.NewValidationError("%s endpoint %s/%s does not exist", role, ref.Kind, ref.ID)
	}
	return nil
}
