package service_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportServiceWithAWS(t *testing.T) {
	region, ok := os.LookupEnv("AWS_REGION")
	if !ok {
		t.Skip("AWS_REGION is not set")
	}
	bucket, ok := os.LookupEnv("TEST_S3_BUCKET")
	if !ok {
		t.Skip("TEST_S3_BUCKET is not set")
	}
	prefix := os.Getenv("TEST_S3_PREFIX")

	testExportService(t, service.NewExportService(adaptor.NewS3Client), region, bucket, prefix)
}

func TestExportServiceWithMock(t *testing.T) {
	testExportService(t, service.NewExportService(mock.NewS3Client), "ap-northeast-0", "my-bucket", "threats/")
}

func testExportService(t *testing.T, svc *service.ExportService, region, bucket, prefix string) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var threats []*threatwatch.Threat
	for i := 0; i < 300; i++ {
		threats = append(threats, newDomainThreat(uuid.New().String()+".example.com", "export", now.Unix()))
	}

	key, err := svc.ExportToS3(region, bucket, prefix, threats, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, prefix+"2024/05/01/"))
	assert.True(t, strings.HasSuffix(key, ".json.gz"))

	rq := svc.NewReadQueue(region, bucket, key)
	var got []*threatwatch.Threat
	for th := rq.Read(); th != nil; th = rq.Read() {
		got = append(got, th)
	}
	require.NoError(t, rq.Error())
	require.Equal(t, len(threats), len(got))
	assert.Equal(t, threats[0].Data, got[0].Data)
	assert.Equal(t, threats[299].Data, got[299].Data)
	assert.Equal(t, "export", got[10].Source)
}

func TestReadQueueCompressedBody(t *testing.T) {
	newS3 := func(region string) (adaptor.S3Client, error) {
		return &mock.S3Client{Region: region, RawBody: true}, nil
	}
	svc := service.NewExportService(newS3)
	now := time.Now()
	threats := []*threatwatch.Threat{
		newDomainThreat("cbk-login.xyz", "OpenPhish", now.Unix()),
		newDomainThreat("mpesa.tk", "URLhaus", now.Unix()),
	}

	key, err := svc.ExportToS3("ap-northeast-0", "raw-bucket", "raw/", threats, now)
	require.NoError(t, err)

	rq := svc.NewReadQueue("ap-northeast-0", "raw-bucket", key)
	var got []string
	for th := rq.Read(); th != nil; th = rq.Read() {
		got = append(got, th.Data)
	}
	require.NoError(t, rq.Error())
	assert.Equal(t, []string{"cbk-login.xyz", "mpesa.tk"}, got)
}

func TestReadQueueMissingObject(t *testing.T) {
	svc := service.NewExportService(mock.NewS3Client)
	rq := svc.NewReadQueue("ap-northeast-0", "no-such-bucket-"+uuid.New().String(), "x.json.gz")
	assert.Nil(t, rq.Read())
	assert.Error(t, rq.Error())
	// stays closed
	assert.Nil(t, rq.Read())
}

func TestWriteCSV(t *testing.T) {
	th := newDomainThreat("mpesa-bonus.xyz", "OpenPhish", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix())
	th.ID = "t-1"
	th.TLD = "xyz"
	th.Keywords = []string{"M-PESA", "bonus"}
	th.RiskScore = 80
	th.Description = "fake, promo"

	buf := &bytes.Buffer{}
	require.NoError(t, service.WriteCSV(buf, []*threatwatch.Threat{th}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, 2, len(lines))
	assert.True(t, strings.HasPrefix(lines[0], "id,source,threat_type,value_type,value,domain,tld,keywords,tags"))
	assert.Contains(t, lines[1], "t-1,OpenPhish,phishing,domain,mpesa-bonus.xyz,mpesa-bonus.xyz,xyz,\"M-PESA,bonus\"")
	assert.Contains(t, lines[1], "2024-05-01T00:00:00Z")
	assert.Contains(t, lines[1], "\"fake, promo\"")
}

func TestWriteJSON(t *testing.T) {
	t.Run("empty is array", func(t *testing.T) {
		buf := &bytes.Buffer{}
		require.NoError(t, service.WriteJSON(buf, nil))
		assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
	})

	t.Run("threats", func(t *testing.T) {
		buf := &bytes.Buffer{}
		th := newDomainThreat("cbk-login.tk", "URLhaus", 1)
		require.NoError(t, service.WriteJSON(buf, []*threatwatch.Threat{th}))

		var got []*threatwatch.Threat
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Equal(t, 1, len(got))
		assert.Equal(t, "cbk-login.tk", got[0].Data)
	})
}

func TestWriteQueueClientFailure(t *testing.T) {
	newS3 := func(region string) (adaptor.S3Client, error) {
		return nil, errors.New("no credentials")
	}
	wq := service.NewExportService(newS3).NewWriteQueue("ap-northeast-0", "my-bucket", "broken.json.gz")

	for i := 0; i < 1000; i++ {
		wq.Write(&threatwatch.Threat{
			Value:  threatwatch.Value{Data: fmt.Sprintf("%d.example.com", i), Type: threatwatch.ValueDomainName},
			Source: "export",
		})
	}
	assert.Error(t, wq.Close())
	assert.Equal(t, 0, wq.Count())
}
