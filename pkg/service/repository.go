package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/willf/bloom"
)

type RepositoryService struct {
	repo adaptor.Repository
	now  func() time.Time

	// known holds identity keys of stored threats if key filter is enabled
	known *bloom.BloomFilter
	mutex sync.Mutex
}

func NewRepositoryService(repo adaptor.Repository) *RepositoryService {
	return &RepositoryService{
		repo: repo,
		now:  time.Now,
	}
}

// PutThreats writes threats as they are, 10 threats per request
func (x *RepositoryService) PutThreats(threats []*threatwatch.Threat) error {
	step := 10
	for i := 0; i < len(threats); i += step {
		ep := i + step
		if len(threats) < ep {
			ep = len(threats)
		}
		target := threats[i:ep]
		if err := x.repo.PutThreats(target); err != nil {
			return errors.Wrap(err).With("i", i)
		}
	}
	return nil
}

func keyBytes(key threatwatch.ThreatKey) []byte {
	return []byte(string(key.Type) + "\x00" + key.Data + "\x00" + key.Source)
}

// EnableKeyFilter loads identity keys of all stored threats into a bloom
// filter with 1% false positive rate. After that RecordThreats reads only
// threats whose key may be stored. The service must be the only writer of the
// repository while the filter is enabled.
func (x *RepositoryService) EnableKeyFilter(capacity uint) error {
	stored, err := x.repo.SearchThreats(&threatwatch.ThreatQuery{})
	if err != nil {
		return errors.Wrap(err, "Failed to load stored threat keys")
	}

	if n := uint(len(stored)) * 2; n > capacity {
		capacity = n
	}
	if capacity < 1024 {
		capacity = 1024
	}
	filter := bloom.NewWithEstimates(capacity, 0.01)
	for _, t := range stored {
		filter.Add(keyBytes(t.Key()))
	}

	x.mutex.Lock()
	x.known = filter
	x.mutex.Unlock()

	logger.Debug().Int("stored", len(stored)).Uint("capacity", capacity).Msg("Enabled threat key filter")
	return nil
}

// mayBeStored returns false only if the threat is surely not stored
func (x *RepositoryService) mayBeStored(t *threatwatch.Threat) bool {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	if x.known == nil {
		return true
	}
	return x.known.Test(keyBytes(t.Key()))
}

func (x *RepositoryService) addKnown(threats []*threatwatch.Threat) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	if x.known == nil {
		return
	}
	for _, t := range threats {
		x.known.Add(keyBytes(t.Key()))
	}
}

func (x *RepositoryService) GetThreats(values []threatwatch.Value) ([]*threatwatch.Threat, error) {
	return x.repo.GetThreats(values)
}

// RecordThreats merges threats into stored ones with the same identity and
// writes them. It returns threats that were not stored before.
func (x *RepositoryService) RecordThreats(chunk threatwatch.ThreatChunk) (threatwatch.ThreatChunk, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	valueSet := map[threatwatch.Value]struct{}{}
	var values []threatwatch.Value
	for _, t := range chunk {
		if _, ok := valueSet[t.Value]; ok || !x.mayBeStored(t) {
			continue
		}
		valueSet[t.Value] = struct{}{}
		values = append(values, t.Value)
	}

	existing := make(map[threatwatch.ThreatKey]*threatwatch.Threat)
	if len(values) > 0 {
		stored, err := x.repo.GetThreats(values)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to get stored threats").With("values", len(values))
		}
		for _, t := range stored {
			existing[t.Key()] = t
		}
	}

	now := x.now().Unix()
	var newThreats threatwatch.ThreatChunk
	merged := make(map[threatwatch.ThreatKey]*threatwatch.Threat)
	var writes []*threatwatch.Threat

	for _, t := range chunk {
		key := t.Key()
		if m, ok := merged[key]; ok {
			threatwatch.Merge(m, t)
			continue
		}

		if prev, ok := existing[key]; ok {
			m := threatwatch.Merge(prev, t)
			merged[key] = m
			writes = append(writes, m)
			continue
		}

		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.DetectedAt == 0 {
			t.DetectedAt = now
		}
		merged[key] = t
		writes = append(writes, t)
		newThreats = append(newThreats, t)
	}

	if err := x.PutThreats(writes); err != nil {
		return nil, err
	}
	x.addKnown(writes)

	logger.Debug().Int("written", len(writes)).Int("new", len(newThreats)).Msg("Recorded threats")
	return newThreats, nil
}

func (x *RepositoryService) Search(query *threatwatch.ThreatQuery) ([]*threatwatch.Threat, error) {
	if query == nil {
		query = &threatwatch.ThreatQuery{}
	}
	if query.SortBy != "" && !query.SortBy.Valid() {
		return nil, errors.New("Invalid sort key").With("sort", query.SortBy)
	}
	return x.repo.SearchThreats(query)
}

// DetectUnalerted returns stored threats of chunk that have not been alerted
func (x *RepositoryService) DetectUnalerted(chunk threatwatch.ThreatChunk) ([]*threatwatch.Threat, error) {
	var values []threatwatch.Value
	valueSet := map[threatwatch.Value]struct{}{}
	keys := map[threatwatch.ThreatKey]struct{}{}
	for _, t := range chunk {
		keys[t.Key()] = struct{}{}
		if _, ok := valueSet[t.Value]; !ok {
			valueSet[t.Value] = struct{}{}
			values = append(values, t.Value)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}

	threats, err := x.repo.GetThreats(values)
	if err != nil {
		return nil, err
	}

	var detected []*threatwatch.Threat
	for _, t := range threats {
		if t.Alerted { // Already alerted
			continue
		}
		if _, ok := keys[t.Key()]; !ok {
			continue
		}
		detected = append(detected, t)
	}
	return detected, nil
}

// MarkAlerted sets alerted flag of the stored threat
func (x *RepositoryService) MarkAlerted(threat *threatwatch.Threat) error {
	threat.Alerted = true
	if threat.AlertedAt == 0 {
		threat.AlertedAt = x.now().Unix()
	}
	return x.repo.UpdateThreatAlerted(threat)
}

func (x *RepositoryService) Close() error {
	return x.repo.Close()
}
