package mock

import (
	"sort"
	"sync"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// Repository is in-memory mock of adaptor.Repository. It stores copies of
// threats as a database does.
type Repository struct {
	data  map[threatwatch.ThreatKey]*threatwatch.Threat
	mutex sync.Mutex

	PutCount int
	// LookupCount is number of values requested by GetThreats
	LookupCount int
}

// NewRepository is constructor of mock.Repository
func NewRepository() *Repository {
	return &Repository{
		data: make(map[threatwatch.ThreatKey]*threatwatch.Threat),
	}
}

// NewRepositoryFactory returns RepositoryFactory that always returns repo
func NewRepositoryFactory(repo *Repository) adaptor.RepositoryFactory {
	return func(region, dsn string) (adaptor.Repository, error) {
		return repo, nil
	}
}

func copyThreat(t *threatwatch.Threat) *threatwatch.Threat {
	c := *t
	c.Keywords = append([]string(nil), t.Keywords...)
	c.Tags = append([]string(nil), t.Tags...)
	if len(c.Keywords) == 0 {
		c.Keywords = nil
	}
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	return &c
}

func (x *Repository) sorted() []*threatwatch.Threat {
	threats := make([]*threatwatch.Threat, 0, len(x.data))
	for _, t := range x.data {
		threats = append(threats, copyThreat(t))
	}
	sort.Slice(threats, func(i, j int) bool { return threats[i].ID < threats[j].ID })
	return threats
}

func (x *Repository) PutThreats(threats []*threatwatch.Threat) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.PutCount++
	for _, t := range threats {
		x.data[t.Key()] = copyThreat(t)
	}
	return nil
}

func (x *Repository) GetThreats(values []threatwatch.Value) ([]*threatwatch.Threat, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.LookupCount += len(values)
	var results []*threatwatch.Threat
	for _, v := range values {
		for _, t := range x.sorted() {
			if t.Value == v {
				results = append(results, t)
			}
		}
	}
	return results, nil
}

func (x *Repository) SearchThreats(query *threatwatch.ThreatQuery) ([]*threatwatch.Threat, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	if query == nil {
		query = &threatwatch.ThreatQuery{}
	}
	return query.Apply(x.sorted()), nil
}

func (x *Repository) UpdateThreatAlerted(threat *threatwatch.Threat) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	stored, ok := x.data[threat.Key()]
	if !ok {
		return errors.New("Threat to be alerted is not found").With("threat", threat.Key())
	}
	stored.Alerted = true
	stored.AlertedAt = threat.AlertedAt
	return nil
}

func (x *Repository) Close() error { return nil }

// All returns all stored threats
func (x *Repository) All() []*threatwatch.Threat {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return x.sorted()
}
