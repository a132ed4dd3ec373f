package service

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gocarina/gocsv"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
)

const defaultSeedSource = "seed"

// ImportService loads seed files of threats into repository
type ImportService struct {
	repo       *RepositoryService
	normalizer *normalize.Normalizer
	now        func() time.Time
}

func NewImportService(repo *RepositoryService, normalizer *normalize.Normalizer) *ImportService {
	return &ImportService{
		repo:       repo,
		normalizer: normalizer,
		now:        time.Now,
	}
}

type ImportResult struct {
	Path     string
	Read     int
	Valid    int
	New      int
	Recorded int
}

type seedCSV struct {
	Source       string `csv:"source"`
	ThreatType   string `csv:"threat_type"`
	Indicator    string `csv:"indicator"`
	DateDetected string `csv:"date_detected"`
}

type seedJSON struct {
	Indicator   string   `json:"indicator"`
	Domain      string   `json:"domain"`
	Source      string   `json:"source"`
	ThreatType  string   `json:"threat_type"`
	Context     string   `json:"context"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	FirstSeen   string   `json:"first_seen"`
}

var seedDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseSeedDate(s string) int64 {
	s = strings.TrimSpace(s)
	for _, layout := range seedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// indicatorValue guesses value type of free-form indicator
func indicatorValue(indicator string) threatwatch.Value {
	indicator = strings.TrimSpace(indicator)
	switch {
	case strings.Contains(indicator, "://"):
		return threatwatch.Value{Data: indicator, Type: threatwatch.ValueURL}
	case net.ParseIP(indicator) != nil:
		return threatwatch.Value{Data: indicator, Type: threatwatch.ValueIPAddr}
	case normalize.IsOnion(strings.ToLower(indicator)):
		return threatwatch.Value{Data: indicator, Type: threatwatch.ValueOnion}
	}
	return threatwatch.Value{Data: indicator, Type: threatwatch.ValueDomainName}
}

func newSeedThreat(indicator, source, threatType, description, date string, now int64) *threatwatch.Threat {
	if source == "" {
		source = defaultSeedSource
	}
	detectedAt := parseSeedDate(date)
	if detectedAt == 0 {
		detectedAt = now
	}
	return &threatwatch.Threat{
		Value:       indicatorValue(normalize.Deobfuscate(indicator)),
		Source:      strings.TrimSpace(source),
		ThreatType:  threatwatch.ParseThreatType(threatType),
		Description: description,
		DetectedAt:  detectedAt,
	}
}

// ParseSeedCSV reads CSV with header source,threat_type,indicator,date_detected
func (x *ImportService) ParseSeedCSV(r io.Reader) (threatwatch.ThreatChunk, error) {
	var rows []*seedCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.Wrap(err, "Failed to parse seed CSV")
	}

	now := x.now().Unix()
	var chunk threatwatch.ThreatChunk
	for _, row := range rows {
		if strings.TrimSpace(row.Indicator) == "" {
			continue
		}
		chunk = append(chunk, newSeedThreat(row.Indicator, row.Source, row.ThreatType, "", row.DateDetected, now))
	}
	return chunk, nil
}

// ParseSeedJSON reads JSON array of {indicator, source, context} or
// {domain, source, description, keywords, first_seen}
func (x *ImportService) ParseSeedJSON(r io.Reader) (threatwatch.ThreatChunk, error) {
	var rows []*seedJSON
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, errors.Wrap(err, "Failed to parse seed JSON")
	}

	now := x.now().Unix()
	var chunk threatwatch.ThreatChunk
	for _, row := range rows {
		indicator := row.Indicator
		if indicator == "" {
			indicator = row.Domain
		}
		if strings.TrimSpace(indicator) == "" {
			continue
		}

		desc := row.Description
		if desc == "" {
			desc = row.Context
		}
		threatType := row.ThreatType
		if threatType == "" {
			threatType = string(threatwatch.ThreatPhishing)
		}

		t := newSeedThreat(indicator, row.Source, threatType, desc, row.FirstSeen, now)
		t.AddKeywords(row.Keywords...)
		chunk = append(chunk, t)
	}
	return chunk, nil
}

func isSeedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".json":
		return true
	}
	return false
}

// ImportFile parses seed file by its extension and records threats
func (x *ImportService) ImportFile(path string) (*ImportResult, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open seed file").With("path", path)
	}
	defer fd.Close()

	var chunk threatwatch.ThreatChunk
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		chunk, err = x.ParseSeedCSV(fd)
	case ".json":
		chunk, err = x.ParseSeedJSON(fd)
	default:
		return nil, errors.New("Unsupported seed file type").With("path", path)
	}
	if err != nil {
		return nil, errors.Wrap(err).With("path", path)
	}

	return x.ImportThreats(path, chunk)
}

// ImportThreats normalizes and records chunk read from name
func (x *ImportService) ImportThreats(name string, chunk threatwatch.ThreatChunk) (*ImportResult, error) {
	result := &ImportResult{Path: name, Read: len(chunk)}
	chunk = x.normalizer.Chunk(chunk)
	result.Valid = len(chunk)

	newThreats, err := x.repo.RecordThreats(chunk)
	if err != nil {
		return nil, err
	}
	result.New = len(newThreats)
	result.Recorded = len(chunk)

	logger.Info().Str("path", name).Int("read", result.Read).Int("new", result.New).Msg("Imported threats")
	return result, nil
}

// ImportReadQueue records all threats of exported S3 object. Nothing is
// recorded if the object can not be read to the end.
func (x *ImportService) ImportReadQueue(name string, rq *ReadQueue) (*ImportResult, error) {
	var chunk threatwatch.ThreatChunk
	for t := rq.Read(); t != nil; t = rq.Read() {
		chunk = append(chunk, t)
	}
	if err := rq.Error(); err != nil {
		return nil, errors.Wrap(err, "Failed to read exported threats").With("name", name)
	}
	return x.ImportThreats(name, chunk)
}

// Watch imports seed files created or written in dir until ctx is done.
// onImport is called for every import attempt if set.
func (x *ImportService) Watch(ctx context.Context, dir string, onImport func(*ImportResult, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Failed to create file watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return errors.Wrap(err, "Failed to watch directory").With("dir", dir)
	}
	logger.Info().Str("dir", dir).Msg("Watching seed directory")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isSeedFile(ev.Name) {
				continue
			}

			result, err := x.ImportFile(ev.Name)
			if err != nil {
				logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to import seed file")
			}
			if onImport != nil {
				onImport(result, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}
