package vectorstore

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// NewBackend builds the backend named in configuration. db is only used by
// the pgvector backend.
func NewBackend(cfg config.VectorConfig, db *sqlx.DB, logger observability.Logger) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("pgvector backend requires a database connection")
		}
		return NewPgvectorBackend(db), nil
	case "http":
		h, err := NewHTTPBackend(HTTPConfig{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			Namespace:      cfg.Namespace,
			Timeout:        cfg.Timeout,
			CircuitBreaker: cfg.CircuitBreaker,
		}, logger)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}
