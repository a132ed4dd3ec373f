package service

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// ExportService writes threats to S3 as gzipped JSON lines and to local CSV/JSON
type ExportService struct {
	newS3 adaptor.S3ClientFactory
}

func NewExportService(newS3 adaptor.S3ClientFactory) *ExportService {
	return &ExportService{
		newS3: newS3,
	}
}

// ExportKey returns S3 object key like <prefix>2024/05/01/<uuid>.json.gz
func ExportKey(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%s/%s.json.gz", prefix, now.UTC().Format("2006/01/02"), uuid.New().String())
}

type threatQueueMsg struct {
	Error  error
	Threat *threatwatch.Threat
}

type ReadQueue struct {
	queue  chan *threatQueueMsg
	err    error
	closed bool
}

// Read returns next threat, or nil at the end of object or on error
func (x *ReadQueue) Read() *threatwatch.Threat {
	if x.closed {
		return nil
	}

	msg := <-x.queue
	if msg == nil {
		x.closed = true
		return nil
	}
	if msg.Error != nil {
		x.closed = true
		x.err = msg.Error
		return nil
	}

	return msg.Threat
}

func (x *ReadQueue) Error() error {
	return x.err
}

const maxLineSize = 1024 * 1024

// NewReadQueue streams threats from S3 object written by WriteQueue
func (x *ExportService) NewReadQueue(region, bucket, key string) *ReadQueue {
	queue := make(chan *threatQueueMsg, 256)
	go func() {
		defer close(queue)
		s3Client, err := x.newS3(region)
		if err != nil {
			queue <- &threatQueueMsg{Error: err}
			return
		}

		input := &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}
		output, err := s3Client.GetObject(input)
		if err != nil {
			queue <- &threatQueueMsg{
				Error: errors.Wrap(err, "Failed GetObject").With("bucket", bucket).With("key", key),
			}
			return
		}
		defer output.Body.Close()

		// body is still compressed if the client did not decode Content-Encoding
		br := bufio.NewReader(output.Body)
		var body io.Reader = br
		if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
			gz, err := gzip.NewReader(br)
			if err != nil {
				queue <- &threatQueueMsg{Error: errors.Wrap(err, "Failed to open gzip stream").With("key", key)}
				return
			}
			defer gz.Close()
			body = gz
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			buf := scanner.Bytes()
			if len(bytes.TrimSpace(buf)) == 0 {
				continue
			}
			threat := &threatwatch.Threat{}
			if err := json.Unmarshal(buf, threat); err != nil {
				queue <- &threatQueueMsg{
					Error: errors.Wrap(err, "Failed json.Unmarshal for scanned data").With("buf", string(buf)),
				}
				return
			}

			queue <- &threatQueueMsg{Threat: threat}
		}
		if err := scanner.Err(); err != nil {
			queue <- &threatQueueMsg{Error: errors.Wrap(err, "Failed to scan S3 object").With("key", key)}
		}
	}()

	return &ReadQueue{
		queue: queue,
	}
}

type WriteQueue struct {
	queue chan *threatwatch.Threat
	wg    sync.WaitGroup
	err   error
	count int
}

// Write buffers threat. It must not be called after Close. Threats written
// after an upload failure are discarded and the failure is returned by Close.
func (x *WriteQueue) Write(threat *threatwatch.Threat) {
	x.queue <- threat
}

// Close flushes buffered threats to S3 and returns the first error
func (x *WriteQueue) Close() error {
	close(x.queue)
	x.wg.Wait()
	return x.err
}

// Count returns number of uploaded threats. Valid after Close.
func (x *WriteQueue) Count() int {
	return x.count
}

// NewWriteQueue buffers threats as gzip JSON lines and uploads them on Close
func (x *ExportService) NewWriteQueue(region, bucket, key string) *WriteQueue {
	queue := make(chan *threatwatch.Threat, 256)
	wq := &WriteQueue{
		queue: queue,
	}

	wq.wg.Add(1)
	go func() {
		defer func() {
			// drain to unblock writers after failure
			for range queue {
			}
			wq.wg.Done()
		}()

		s3Client, err := x.newS3(region)
		if err != nil {
			wq.err = errors.Wrap(err, "Failed to create S3Client").With("region", region)
			return
		}

		buf := &bytes.Buffer{}
		gz := gzip.NewWriter(buf)
		w := threatwatch.NewThreatWriter(gz)
		for threat := range queue {
			if _, err := w.Write(threat); err != nil {
				wq.err = errors.Wrap(err, "Failed to write line of threat").With("value", threat.Data)
				return
			}
			wq.count++
		}
		if err := gz.Close(); err != nil {
			wq.err = errors.Wrap(err, "Failed to close gzip stream")
			return
		}

		input := &s3.PutObjectInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(buf.Bytes()),
			ContentEncoding: aws.String("gzip"),
			ContentType:     aws.String("application/x-gzip"),
		}
		if _, err := s3Client.PutObject(input); err != nil {
			wq.err = errors.Wrap(err, "Failed to put object").With("bucket", bucket).With("key", key)
			return
		}
	}()

	return wq
}

// ExportToS3 uploads threats to a new object and returns its key
func (x *ExportService) ExportToS3(region, bucket, prefix string, threats []*threatwatch.Threat, now time.Time) (string, error) {
	key := ExportKey(prefix, now)
	wq := x.NewWriteQueue(region, bucket, key)
	for _, t := range threats {
		wq.Write(t)
	}
	if err := wq.Close(); err != nil {
		return "", err
	}

	logger.Info().Str("bucket", bucket).Str("key", key).Int("count", wq.Count()).Msg("Exported threats to S3")
	return key, nil
}

// threatCSV is a row of CSV export
type threatCSV struct {
	ID          string `csv:"id"`
	Source      string `csv:"source"`
	ThreatType  string `csv:"threat_type"`
	ValueType   string `csv:"value_type"`
	Value       string `csv:"value"`
	Domain      string `csv:"domain"`
	TLD         string `csv:"tld"`
	Keywords    string `csv:"keywords"`
	Tags        string `csv:"tags"`
	Confidence  int    `csv:"confidence"`
	RiskScore   int    `csv:"risk_score"`
	Registrar   string `csv:"registrar"`
	WhoisStatus string `csv:"whois_status"`
	Reputation  string `csv:"reputation"`
	DetectedAt  string `csv:"detected_at"`
	Alerted     bool   `csv:"alerted"`
	Description string `csv:"description"`
}

// WriteCSV writes threats as CSV with header
func WriteCSV(w io.Writer, threats []*threatwatch.Threat) error {
	rows := make([]*threatCSV, 0, len(threats))
	for _, t := range threats {
		rows = append(rows, &threatCSV{
			ID:          t.ID,
			Source:      t.Source,
			ThreatType:  string(t.ThreatType),
			ValueType:   string(t.Type),
			Value:       t.Data,
			Domain:      t.Domain,
			TLD:         t.TLD,
			Keywords:    strings.Join(t.Keywords, ","),
			Tags:        strings.Join(t.Tags, ","),
			Confidence:  t.Confidence,
			RiskScore:   t.RiskScore,
			Registrar:   t.Registrar,
			WhoisStatus: string(t.WhoisStatus),
			Reputation:  string(t.Reputation),
			DetectedAt:  t.Detected().Format(time.RFC3339),
			Alerted:     t.Alerted,
			Description: t.Description,
		})
	}

	if err := gocsv.Marshal(&rows, w); err != nil {
		return errors.Wrap(err, "Failed to write CSV")
	}
	return nil
}

// WriteJSON writes threats as indented JSON array
func WriteJSON(w io.Writer, threats []*threatwatch.Threat) error {
	if threats == nil {
		threats = []*threatwatch.Threat{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(threats); err != nil {
		return errors.Wrap(err, "Failed to write JSON")
	}
	return nil
}
