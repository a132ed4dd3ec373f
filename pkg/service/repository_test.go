package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamoRepositoryService(t *testing.T) {
	tableName, ok := os.LookupEnv("TEST_TABLE_NAME")
	if !ok {
		t.Skip("Skip test because TEST_TABLE_NAME is not set")
	}
	region, ok := os.LookupEnv("AWS_REGION")
	if !ok {
		t.Skip("Skip test because AWS_REGION is not set")
	}

	repo, err := adaptor.NewDynamoRepository(region, tableName)
	require.NoError(t, err)
	svc := service.NewRepositoryService(repo)
	testRepositoryService(t, svc)
}

func TestSQLiteRepositoryService(t *testing.T) {
	repo, err := adaptor.NewSQLiteRepository("", filepath.Join(t.TempDir(), "threats.db"))
	require.NoError(t, err)
	svc := service.NewRepositoryService(repo)
	defer svc.Close()
	testRepositoryService(t, svc)
}

func TestMockRepositoryService(t *testing.T) {
	svc := service.NewRepositoryService(mock.NewRepository())
	testRepositoryService(t, svc)
}

func TestMockRepositoryServiceWithKeyFilter(t *testing.T) {
	svc := service.NewRepositoryService(mock.NewRepository())
	require.NoError(t, svc.EnableKeyFilter(0))
	testRepositoryService(t, svc)
}

func TestRepositoryServiceKeyFilter(t *testing.T) {
	repo := mock.NewRepository()
	now := time.Now().Unix()
	stored := newDomainThreat("cbk-login.xyz", "OpenPhish", now-3600)
	stored.ID = "stored"
	require.NoError(t, repo.PutThreats([]*threatwatch.Threat{stored}))

	svc := service.NewRepositoryService(repo)
	require.NoError(t, svc.EnableKeyFilter(100))

	t.Run("unknown keys are not looked up", func(t *testing.T) {
		newThreats, err := svc.RecordThreats(threatwatch.ThreatChunk{
			newDomainThreat("mpesa-bonus.top", "OpenPhish", now),
			newDomainThreat("cbk-portal.tk", "URLhaus", now),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, len(newThreats))
		assert.Equal(t, 0, repo.LookupCount)
	})

	t.Run("stored key is looked up and merged", func(t *testing.T) {
		again := newDomainThreat("cbk-login.xyz", "OpenPhish", now)
		again.Confidence = 70
		newThreats, err := svc.RecordThreats(threatwatch.ThreatChunk{again})
		require.NoError(t, err)
		assert.Equal(t, 0, len(newThreats))
		assert.Equal(t, 1, repo.LookupCount)

		resp, err := svc.GetThreats([]threatwatch.Value{again.Value})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, "stored", resp[0].ID)
		assert.Equal(t, now-3600, resp[0].DetectedAt)
		assert.Equal(t, 70, resp[0].Confidence)
	})

	t.Run("keys written by the service are known", func(t *testing.T) {
		newThreats, err := svc.RecordThreats(threatwatch.ThreatChunk{
			newDomainThreat("mpesa-bonus.top", "OpenPhish", now+10),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, len(newThreats))
		assert.Equal(t, 3, len(repo.All()))
	})
}

func newDomainThreat(data, source string, detectedAt int64) *threatwatch.Threat {
	return &threatwatch.Threat{
		Value: threatwatch.Value{
			Data: data,
			Type: threatwatch.ValueDomainName,
		},
		Source:     source,
		ThreatType: threatwatch.ThreatPhishing,
		Domain:     data,
		Confidence: 50,
		DetectedAt: detectedAt,
	}
}

func testRepositoryService(t *testing.T, svc *service.RepositoryService) {
	t.Run("record new threats and merge existing one", func(t *testing.T) {
		now := time.Now().Unix()
		d1 := uuid.New().String() + ".example.com"
		d2 := uuid.New().String() + ".example.com"

		first := threatwatch.ThreatChunk{
			newDomainThreat(d1, "blue", now),
			newDomainThreat(d1, "orange", now),
			newDomainThreat(d2, "blue", now),
		}
		newThreats, err := svc.RecordThreats(first)
		require.NoError(t, err)
		assert.Equal(t, 3, len(newThreats))
		for _, th := range newThreats {
			assert.NotEmpty(t, th.ID)
		}

		later := newDomainThreat(d1, "blue", now+100)
		later.Keywords = []string{"M-PESA"}
		later.Confidence = 70
		earlier := newDomainThreat(d2, "blue", now-100)
		earlier.Tags = []string{"young_domain"}

		newThreats, err = svc.RecordThreats(threatwatch.ThreatChunk{later, earlier})
		require.NoError(t, err)
		assert.Equal(t, 0, len(newThreats))

		resp, err := svc.GetThreats([]threatwatch.Value{{Data: d1, Type: threatwatch.ValueDomainName}})
		require.NoError(t, err)
		require.Equal(t, 2, len(resp))

		var blue *threatwatch.Threat
		for _, th := range resp {
			if th.Source == "blue" {
				blue = th
			}
		}
		require.NotNil(t, blue)
		assert.Equal(t, first[0].ID, blue.ID)
		assert.Equal(t, now, blue.DetectedAt)
		assert.Equal(t, []string{"M-PESA"}, blue.Keywords)
		assert.Equal(t, 70, blue.Confidence)

		resp, err = svc.GetThreats([]threatwatch.Value{{Data: d2, Type: threatwatch.ValueDomainName}})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, now-100, resp[0].DetectedAt)
		assert.Equal(t, []string{"young_domain"}, resp[0].Tags)
	})

	t.Run("duplicates in one chunk become one row", func(t *testing.T) {
		d := uuid.New().String() + ".example.org"
		now := time.Now().Unix()
		a := newDomainThreat(d, "green", now)
		b := newDomainThreat(d, "green", now-10)
		b.Description = "second"

		newThreats, err := svc.RecordThreats(threatwatch.ThreatChunk{a, b})
		require.NoError(t, err)
		require.Equal(t, 1, len(newThreats))

		resp, err := svc.GetThreats([]threatwatch.Value{a.Value})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, now-10, resp[0].DetectedAt)
		assert.Equal(t, "second", resp[0].Description)
	})

	t.Run("search with filters and sort", func(t *testing.T) {
		marker := uuid.New().String()
		base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC).Unix()

		t1 := newDomainThreat("a-"+marker+".example.com", "red", base)
		t1.RiskScore = 90
		t2 := newDomainThreat("b-"+marker+".example.com", "red", base+3600)
		t2.RiskScore = 10
		t3 := newDomainThreat("c-"+marker+".example.com", "yellow", base+7200)
		t3.RiskScore = 50
		t3.ThreatType = threatwatch.ThreatMalware

		_, err := svc.RecordThreats(threatwatch.ThreatChunk{t1, t2, t3})
		require.NoError(t, err)

		resp, err := svc.Search(&threatwatch.ThreatQuery{Keyword: marker})
		require.NoError(t, err)
		require.Equal(t, 3, len(resp))
		assert.Equal(t, t1.Data, resp[0].Data)

		resp, err = svc.Search(&threatwatch.ThreatQuery{Keyword: marker, SortBy: threatwatch.SortByRiskScore, Desc: true})
		require.NoError(t, err)
		require.Equal(t, 3, len(resp))
		assert.Equal(t, []string{t1.Data, t3.Data, t2.Data}, []string{resp[0].Data, resp[1].Data, resp[2].Data})

		resp, err = svc.Search(&threatwatch.ThreatQuery{Keyword: marker, Source: "RED", MinRiskScore: 50})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, t1.Data, resp[0].Data)

		resp, err = svc.Search(&threatwatch.ThreatQuery{Keyword: marker, ThreatType: threatwatch.ThreatMalware})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, t3.Data, resp[0].Data)

		resp, err = svc.Search(&threatwatch.ThreatQuery{
			Keyword: marker,
			From:    time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC),
			To:      time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, len(resp))

		resp, err = svc.Search(&threatwatch.ThreatQuery{Keyword: marker, Limit: 1, Desc: true})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.Equal(t, t3.Data, resp[0].Data)

		_, err = svc.Search(&threatwatch.ThreatQuery{SortBy: "id; DROP TABLE threats"})
		assert.Error(t, err)
	})

	t.Run("update alert status", func(t *testing.T) {
		d := uuid.New().String() + ".example.net"
		th := newDomainThreat(d, "tester", time.Now().Unix())
		_, err := svc.RecordThreats(threatwatch.ThreatChunk{th})
		require.NoError(t, err)

		detected, err := svc.DetectUnalerted(threatwatch.ThreatChunk{th})
		require.NoError(t, err)
		require.Equal(t, 1, len(detected))

		require.NoError(t, svc.MarkAlerted(detected[0]))

		detected, err = svc.DetectUnalerted(threatwatch.ThreatChunk{th})
		require.NoError(t, err)
		assert.Equal(t, 0, len(detected))

		resp, err := svc.GetThreats([]threatwatch.Value{th.Value})
		require.NoError(t, err)
		require.Equal(t, 1, len(resp))
		assert.True(t, resp[0].Alerted)
		assert.NotZero(t, resp[0].AlertedAt)

		t.Run("alert state survives re-recording", func(t *testing.T) {
			again := newDomainThreat(d, "tester", time.Now().Unix())
			_, err := svc.RecordThreats(threatwatch.ThreatChunk{again})
			require.NoError(t, err)

			resp, err := svc.GetThreats([]threatwatch.Value{th.Value})
			require.NoError(t, err)
			require.Equal(t, 1, len(resp))
			assert.True(t, resp[0].Alerted)
		})

		t.Run("unknown threat can not be alerted", func(t *testing.T) {
			unknown := newDomainThreat(uuid.New().String()+".example.net", "tester", 0)
			assert.Error(t, svc.MarkAlerted(unknown))
		})
	})
}

func BenchmarkSQLiteRecordThreats(b *testing.B) {
	repo, err := adaptor.NewSQLiteRepository("", filepath.Join(b.TempDir(), "bench.db"))
	require.NoError(b, err)
	svc := service.NewRepositoryService(repo)
	defer svc.Close()

	now := time.Now().Unix()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chunk := make(threatwatch.ThreatChunk, 100)
		for j := range chunk {
			chunk[j] = newDomainThreat(uuid.New().String()+".example.com", "bench", now)
		}
		if _, err := svc.RecordThreats(chunk); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSQLiteSearch(b *testing.B) {
	repo, err := adaptor.NewSQLiteRepository("", filepath.Join(b.TempDir(), "bench.db"))
	require.NoError(b, err)
	svc := service.NewRepositoryService(repo)
	defer svc.Close()

	now := time.Now().Unix()
	chunk := make(threatwatch.ThreatChunk, 1000)
	for j := range chunk {
		chunk[j] = newDomainThreat(uuid.New().String()+".example.com", "bench", now+int64(j))
	}
	_, err = svc.RecordThreats(chunk)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Search(&threatwatch.ThreatQuery{Keyword: "example", SortBy: threatwatch.SortByDetectedAt, Desc: true, Limit: 50}); err != nil {
			b.Fatal(err)
		}
	}
}
