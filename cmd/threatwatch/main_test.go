package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/arguments"
	"github.com/m-mizutani/threatwatch/pkg/config"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	slackURL = "https://hooks.slack.example.com/services/T000/B000/XXX"

	seedFile = `source,threat_type,indicator,date_detected
PhishTank,phishing,hxxp://cbk-verify[.]xyz/login,2024-04-30
URLhaus,malware,http://mpesa-pay.top/a,2024-05-01
`
)

func newTestApp(t *testing.T) *app {
	args := &arguments.Arguments{
		Config: config.Config{
			Backend:    config.BackendSQLite,
			DBPath:     filepath.Join(t.TempDir(), "threats.db"),
			Workers:    1,
			RateLimit:  1000,
			RetryCount: 1,
			Tunables:   config.DefaultTunables(),
		},
		HTTP: &mock.HTTPClient{},
	}
	t.Cleanup(func() { _ = args.Close() })
	return &app{args: args}
}

func execute(x *app, argv ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCommand(x)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(argv)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func importSeeds(t *testing.T, x *app) {
	path := filepath.Join(t.TempDir(), "seeds.csv")
	require.NoError(t, os.WriteFile(path, []byte(seedFile), 0600))
	out, err := execute(x, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "read=2 valid=2 new=2")
}

func TestImportAndSearch(t *testing.T) {
	x := newTestApp(t)
	importSeeds(t, x)

	out, err := execute(x, "search", "--source", "phishtank", "--format", "json")
	require.NoError(t, err)
	var threats []*threatwatch.Threat
	require.NoError(t, json.Unmarshal([]byte(out), &threats))
	require.Equal(t, 1, len(threats))
	assert.Equal(t, "http://cbk-verify.xyz/login", threats[0].Data)

	out, err = execute(x, "search", "--to", "2024-04-30")
	require.NoError(t, err)
	assert.Contains(t, out, "cbk-verify.xyz")
	assert.NotContains(t, out, "mpesa-pay.top")

	t.Run("invalid query", func(t *testing.T) {
		_, err := execute(x, "search", "--sort", "value")
		assert.Error(t, err)
		_, err = execute(x, "search", "--from", "yesterday")
		assert.Error(t, err)
		_, err = execute(x, "search", "--format", "xml")
		assert.Error(t, err)
	})
}

func TestReport(t *testing.T) {
	x := newTestApp(t)
	importSeeds(t, x)

	out, err := execute(x, "report", "--format", "json")
	require.NoError(t, err)
	var summary service.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Unalerted)
}

func TestExportAndImportS3(t *testing.T) {
	newS3, _ := mock.NewS3Mock()

	src := newTestApp(t)
	src.args.NewS3 = newS3
	src.args.ExportBucket = "threat-export"
	src.args.ExportPrefix = "daily/"
	importSeeds(t, src)

	out, err := execute(src, "export", "--s3")
	require.NoError(t, err)
	prefix := "exported 2 threats to "
	require.True(t, strings.HasPrefix(out, prefix), out)
	s3URL := strings.TrimSpace(strings.TrimPrefix(out, prefix))
	assert.True(t, strings.HasPrefix(s3URL, "s3://threat-export/daily/"))

	dst := newTestApp(t)
	dst.args.NewS3 = newS3
	out, err = execute(dst, "import", s3URL)
	require.NoError(t, err)
	assert.Contains(t, out, "read=2 valid=2 new=2")

	out, err = execute(dst, "search", "--source", "phishtank", "--format", "json")
	require.NoError(t, err)
	var threats []*threatwatch.Threat
	require.NoError(t, json.Unmarshal([]byte(out), &threats))
	require.Equal(t, 1, len(threats))
	assert.Equal(t, "http://cbk-verify.xyz/login", threats[0].Data)

	t.Run("invalid S3 URL", func(t *testing.T) {
		_, err := execute(dst, "import", "s3://threat-export")
		assert.Error(t, err)
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := execute(dst, "import", "s3://threat-export/daily/nothing.json.gz")
		assert.Error(t, err)
	})
}

func TestExportFile(t *testing.T) {
	x := newTestApp(t)
	importSeeds(t, x)

	path := filepath.Join(t.TempDir(), "threats.csv")
	_, err := execute(x, "export", "--output", path, "--type", "malware")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, 2, len(lines))
	assert.True(t, strings.HasPrefix(lines[0], "id,source,threat_type"))
	assert.Contains(t, lines[1], "mpesa-pay.top")

	_, err = execute(x, "export")
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	x := newTestApp(t)
	x.args.HTTP = &mock.HTTPClient{Routes: map[string]string{
		"https://raw.githubusercontent.com/openphish/public_feed/refs/heads/main/feed.txt": "http://cbk-login.xyz/a\nhttp://paypal.example.com/\n",
	}}

	out, err := execute(x, "collect", "--feed", "openphish", "--no-enrich", "--no-alert")
	require.NoError(t, err)
	assert.Contains(t, out, "fetched=2 valid=2 unique=1 new=1 alerted=0")

	out, err = execute(x, "collect", "--feed", "openphish", "--no-enrich", "--no-alert")
	require.NoError(t, err)
	assert.Contains(t, out, "new=0")
}

func TestAlert(t *testing.T) {
	x := newTestApp(t)
	importSeeds(t, x)

	_, err := execute(x, "alert")
	assert.Error(t, err)

	client := &mock.HTTPClient{Routes: map[string]string{slackURL: "ok"}}
	x.args.HTTP = client
	x.args.SlackWebhookURL = slackURL

	out, err := execute(x, "alert")
	require.NoError(t, err)
	assert.Contains(t, out, "alerted=2")
	assert.Equal(t, 1, client.Count())

	out, err = execute(x, "alert")
	require.NoError(t, err)
	assert.Contains(t, out, "alerted=0")

	out, err = execute(x, "alert", "--digest")
	require.NoError(t, err)
	assert.Contains(t, out, "digest sent to 1 channel(s)")
}

func TestTor(t *testing.T) {
	x := newTestApp(t)
	x.args.TorHTTP = &mock.HTTPClient{Routes: map[string]string{
		"https://httpbin.org/ip": `{"origin": "185.220.101.4"}`,
	}}
	ctrl := &mock.TorController{}
	x.args.TorController = ctrl

	out, err := execute(x, "tor", "ip")
	require.NoError(t, err)
	assert.Contains(t, out, "tor: 185.220.101.4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := newRootCommand(x)
	root.SetArgs([]string{"tor", "rotate"})
	root.SetOut(&bytes.Buffer{})
	// Settle wait is interrupted by canceled context after NEWNYM is sent
	assert.Error(t, root.ExecuteContext(ctx))
	assert.Equal(t, []string{"NEWNYM"}, ctrl.Signals)
}
