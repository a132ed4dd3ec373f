package service_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportThreats(now time.Time) []*threatwatch.Threat {
	newThreat := func(data, source, tld string, risk int, detected time.Time, alerted bool) *threatwatch.Threat {
		th := newDomainThreat(data, source, detected.Unix())
		th.TLD = tld
		th.RiskScore = risk
		th.Alerted = alerted
		return th
	}
	return []*threatwatch.Threat{
		newThreat("cbk-login.xyz", "OpenPhish", "xyz", 80, now.Add(-time.Hour), false),
		newThreat("mpesa-bonus.xyz", "OpenPhish", "xyz", 70, now.Add(-30*time.Hour), true),
		newThreat("cbk-login.xyz", "URLhaus", "xyz", 40, now.Add(-2*time.Hour), false),
		newThreat("kcb-verify.tk", "pastebin", "tk", 30, now.Add(-48*time.Hour), true),
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	s := service.Summarize(reportThreats(now), now)

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.NewToday)
	assert.Equal(t, 2, s.HighRisk)
	assert.Equal(t, 2, s.Unalerted)
	assert.Equal(t, []service.Count{{Key: "OpenPhish", Count: 2}, {Key: "URLhaus", Count: 1}, {Key: "pastebin", Count: 1}}, s.BySource)
	assert.Equal(t, []service.Count{{Key: "xyz", Count: 3}, {Key: "tk", Count: 1}}, s.ByTLD)
	require.Equal(t, 3, len(s.TopDomains))
	assert.Equal(t, service.Count{Key: "cbk-login.xyz", Count: 2}, s.TopDomains[0])
	assert.Equal(t, []service.Count{{Key: "phishing", Count: 4}}, s.ByType)
}

func TestReportServiceSummary(t *testing.T) {
	repoSvc := service.NewRepositoryService(mock.NewRepository())
	_, err := repoSvc.RecordThreats(reportThreats(time.Now()))
	require.NoError(t, err)

	s, err := service.NewReportService(repoSvc).Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.HighRisk)
}

func TestRender(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	threats := reportThreats(now)

	t.Run("threats", func(t *testing.T) {
		buf := &bytes.Buffer{}
		service.RenderThreats(buf, threats)
		out := buf.String()
		assert.Contains(t, out, "INDICATOR")
		assert.Contains(t, out, "mpesa-bonus.xyz")
		assert.Contains(t, out, "2024-05-01 14:00")
	})

	t.Run("summary", func(t *testing.T) {
		buf := &bytes.Buffer{}
		service.RenderSummary(buf, service.Summarize(threats, now))
		out := buf.String()
		assert.Contains(t, out, "Total threats")
		assert.Contains(t, out, "OpenPhish")
		assert.Contains(t, out, "cbk-login.xyz")
	})
}
