package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsService(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.FeedFetched.WithLabelValues("OpenPhish").Add(12)
	metrics.FeedErrors.WithLabelValues("otx").Inc()
	metrics.ThreatsRecorded.WithLabelValues("new").Add(3)

	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.FeedFetched.WithLabelValues("OpenPhish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedErrors.WithLabelValues("otx")))

	t.Run("write textfile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "threatwatch.prom")
		require.NoError(t, metrics.WriteToTextfile(path))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `threatwatch_feed_fetched_total{feed="OpenPhish"} 12`)
		assert.Contains(t, string(raw), `threatwatch_threats_recorded_total{result="new"} 3`)
	})

	t.Run("empty path does nothing", func(t *testing.T) {
		assert.NoError(t, metrics.WriteToTextfile(""))
	})
}
