package adaptor

import (
	"github.com/m-mizutani/threatwatch"
)

// Repository stores threats. A threat is identified by (value type, value, source)
// and PutThreats overwrites an existing threat with the same identity.
type Repository interface {
	PutThreats(threats []*threatwatch.Threat) error
	GetThreats(values []threatwatch.Value) ([]*threatwatch.Threat, error)
	SearchThreats(query *threatwatch.ThreatQuery) ([]*threatwatch.Threat, error)
	UpdateThreatAlerted(threat *threatwatch.Threat) error
	Close() error
}

// RepositoryFactory creates Repository. dsn is a file path for SQLite and a table
// name for DynamoDB.
type RepositoryFactory func(region, dsn string) (Repository, error)
