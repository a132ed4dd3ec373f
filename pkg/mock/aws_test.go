package mock_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockS3(t *testing.T) {
	s3client, err := mock.NewS3Client("eu-east-0")
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	wr := gzip.NewWriter(buf)
	_, err = wr.Write([]byte("five"))
	require.NoError(t, err)
	require.NoError(t, wr.Close())

	_, err = s3client.PutObject(&s3.PutObjectInput{
		Bucket:          aws.String("test-bucket"),
		Key:             aws.String("blue"),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentEncoding: aws.String("gzip"),
	})
	require.NoError(t, err)

	_, err = s3client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("plain"),
		Body:   bytes.NewReader([]byte("six")),
	})
	require.NoError(t, err)

	t.Run("Get gzip encoded object", func(t *testing.T) {
		output, err := s3client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String("test-bucket"),
			Key:    aws.String("blue"),
		})
		require.NoError(t, err)
		data, err := io.ReadAll(output.Body)
		require.NoError(t, err)
		assert.Equal(t, "five", string(data))
	})

	t.Run("Get plain object", func(t *testing.T) {
		output, err := s3client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String("test-bucket"),
			Key:    aws.String("plain"),
		})
		require.NoError(t, err)
		data, err := io.ReadAll(output.Body)
		require.NoError(t, err)
		assert.Equal(t, "six", string(data))
	})

	t.Run("Access non-existing object and get error", func(t *testing.T) {
		_, err := s3client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String("test-bucket"),
			Key:    aws.String("orange"),
		})
		assert.Error(t, err)
		assert.Equal(t, s3.ErrCodeNoSuchKey, err.Error())
	})
}
