package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedCSV = `source,threat_type,indicator,date_detected
PhishTank,phishing,hxxp://cbk-verify[.]xyz/login,2024-04-30
,malware,198.51.100.7,2024-04-30 10:00:00
OpenPhish,phishing,,2024-04-30
`

const seedJSON = `[
  {"indicator": "mpesa-bonus[.]top", "source": "telegram", "context": "fake M-PESA bonus"},
  {"domain": "cbk-portal.tk", "description": "fake CBK portal", "keywords": ["CBK"], "first_seen": "2024-04-01T00:00:00Z"},
  {"indicator": "", "source": "empty"}
]`

func newImportService() (*service.ImportService, *mock.Repository) {
	repo := mock.NewRepository()
	normalizer := normalize.NewNormalizer(map[string]string{"cbk": "CBK", "mpesa": "M-PESA"})
	return service.NewImportService(service.NewRepositoryService(repo), normalizer), repo
}

func TestParseSeedCSV(t *testing.T) {
	svc, _ := newImportService()
	chunk, err := svc.ParseSeedCSV(strings.NewReader(seedCSV))
	require.NoError(t, err)
	require.Equal(t, 2, len(chunk))

	assert.Equal(t, threatwatch.Value{Data: "http://cbk-verify.xyz/login", Type: threatwatch.ValueURL}, chunk[0].Value)
	assert.Equal(t, "PhishTank", chunk[0].Source)
	assert.Equal(t, threatwatch.ThreatPhishing, chunk[0].ThreatType)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).Unix(), chunk[0].DetectedAt)

	assert.Equal(t, threatwatch.ValueIPAddr, chunk[1].Type)
	assert.Equal(t, "seed", chunk[1].Source)
	assert.Equal(t, threatwatch.ThreatMalware, chunk[1].ThreatType)
	assert.Equal(t, time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC).Unix(), chunk[1].DetectedAt)
}

func TestParseSeedJSON(t *testing.T) {
	svc, _ := newImportService()
	chunk, err := svc.ParseSeedJSON(strings.NewReader(seedJSON))
	require.NoError(t, err)
	require.Equal(t, 2, len(chunk))

	assert.Equal(t, threatwatch.Value{Data: "mpesa-bonus.top", Type: threatwatch.ValueDomainName}, chunk[0].Value)
	assert.Equal(t, "fake M-PESA bonus", chunk[0].Description)
	assert.Equal(t, threatwatch.ThreatPhishing, chunk[0].ThreatType)
	assert.NotZero(t, chunk[0].DetectedAt)

	assert.Equal(t, "cbk-portal.tk", chunk[1].Data)
	assert.Equal(t, "seed", chunk[1].Source)
	assert.Equal(t, []string{"CBK"}, chunk[1].Keywords)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).Unix(), chunk[1].DetectedAt)

	_, err = svc.ParseSeedJSON(strings.NewReader(`{"not": "array"}`))
	assert.Error(t, err)
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "seed.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(seedCSV), 0644))
	jsonPath := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(seedJSON), 0644))
	txtPath := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("cbk.example.com"), 0644))

	svc, repo := newImportService()

	result, err := svc.ImportFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Read)
	assert.Equal(t, 2, result.Valid)
	assert.Equal(t, 2, result.New)

	result, err = svc.ImportFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 2, result.New)
	assert.Equal(t, 4, len(repo.All()))

	var portal *threatwatch.Threat
	for _, th := range repo.All() {
		if th.Data == "cbk-portal.tk" {
			portal = th
		}
	}
	require.NotNil(t, portal)
	assert.Equal(t, "tk", portal.TLD)
	assert.Equal(t, 70, portal.Confidence)

	t.Run("import again adds nothing", func(t *testing.T) {
		result, err := svc.ImportFile(csvPath)
		require.NoError(t, err)
		assert.Equal(t, 0, result.New)
		assert.Equal(t, 4, len(repo.All()))
	})

	t.Run("unsupported file", func(t *testing.T) {
		_, err := svc.ImportFile(txtPath)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := svc.ImportFile(filepath.Join(dir, "nothing.csv"))
		assert.Error(t, err)
	})
}

func TestImportReadQueue(t *testing.T) {
	exporter := service.NewExportService(mock.NewS3Client)
	now := time.Now()
	exported := []*threatwatch.Threat{
		newDomainThreat("cbk-login.xyz", "openphish", now.Unix()),
		newDomainThreat("mpesa-bonus.top", "URLhaus", now.Unix()),
	}
	exported[0].ID = "exported-1"
	exported[0].Alerted = true
	key, err := exporter.ExportToS3("ap-northeast-0", "import-bucket", "in/", exported, now)
	require.NoError(t, err)

	svc, repo := newImportService()
	result, err := svc.ImportReadQueue("s3://import-bucket/"+key, exporter.NewReadQueue("ap-northeast-0", "import-bucket", key))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Read)
	assert.Equal(t, 2, result.New)

	stored, err := repo.GetThreats([]threatwatch.Value{exported[0].Value})
	require.NoError(t, err)
	require.Equal(t, 1, len(stored))
	assert.Equal(t, "exported-1", stored[0].ID)
	assert.Equal(t, "OpenPhish", stored[0].Source)
	assert.True(t, stored[0].Alerted)

	t.Run("missing object records nothing", func(t *testing.T) {
		svc, repo := newImportService()
		rq := exporter.NewReadQueue("ap-northeast-0", "import-bucket", "in/nothing.json.gz")
		_, err := svc.ImportReadQueue("s3://import-bucket/in/nothing.json.gz", rq)
		assert.Error(t, err)
		assert.Equal(t, 0, len(repo.All()))
	})
}

func TestImportWatch(t *testing.T) {
	dir := t.TempDir()
	svc, repo := newImportService()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	imported := make(chan *service.ImportResult, 16)
	done := make(chan error, 1)
	go func() {
		done <- svc.Watch(ctx, dir, func(result *service.ImportResult, err error) {
			if err == nil {
				select {
				case imported <- result:
				default:
				}
			}
		})
	}()

	// watcher may not be ready yet, so keep writing until an import happens
	path := filepath.Join(dir, "drop.csv")
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var result *service.ImportResult
	for result == nil {
		select {
		case result = <-imported:
		case <-ticker.C:
			require.NoError(t, os.WriteFile(path, []byte(seedCSV), 0644))
		case <-ctx.Done():
			t.Fatal("seed file was not imported")
		}
	}

	assert.Equal(t, path, result.Path)
	assert.Equal(t, 2, len(repo.All()))

	cancel()
	assert.NoError(t, <-done)
}
