package mock

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
)

type s3Object struct {
	data     []byte
	encoding string
}

// S3Client is in-memory mock of adaptor.S3Client. Objects are shared by all
// S3Client instances, like a real bucket.
type S3Client struct {
	Region string
	// PutKeys are object keys written by this client
	PutKeys []string
	// RawBody disables decoding of gzip content encoding in GetObject
	RawBody bool
}

var (
	s3Objects = map[string]map[string]*s3Object{}
	s3Mutex   sync.Mutex
)

func NewS3Mock() (adaptor.S3ClientFactory, *S3Client) {
	client := &S3Client{}
	return func(region string) (adaptor.S3Client, error) {
		client.Region = region
		return client, nil
	}, client
}

func NewS3Client(region string) (adaptor.S3Client, error) {
	return &S3Client{Region: region}, nil
}

// GetObject returns object body. Body stored with gzip content encoding is
// decoded as HTTP transport of AWS SDK does.
func (x *S3Client) GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	s3Mutex.Lock()
	defer s3Mutex.Unlock()

	bucket, ok := s3Objects[aws.StringValue(input.Bucket)]
	if !ok {
		return nil, errors.New(s3.ErrCodeNoSuchBucket)
	}
	obj, ok := bucket[aws.StringValue(input.Key)]
	if !ok {
		return nil, errors.New(s3.ErrCodeNoSuchKey)
	}

	var body io.ReadCloser = io.NopCloser(bytes.NewReader(obj.data))
	if obj.encoding == "gzip" && !x.RawBody {
		gz, err := gzip.NewReader(bytes.NewReader(obj.data))
		if err != nil {
			return nil, err
		}
		body = gz
	}

	return &s3.GetObjectOutput{Body: body}, nil
}

func (x *S3Client) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	s3Mutex.Lock()
	defer s3Mutex.Unlock()

	bucketName := aws.StringValue(input.Bucket)
	bucket, ok := s3Objects[bucketName]
	if !ok {
		bucket = make(map[string]*s3Object)
		s3Objects[bucketName] = bucket
	}
	bucket[aws.StringValue(input.Key)] = &s3Object{
		data:     data,
		encoding: aws.StringValue(input.ContentEncoding),
	}
	x.PutKeys = append(x.PutKeys, aws.StringValue(input.Key))
	return &s3.PutObjectOutput{}, nil
}

// SNSClient is mock SNS client
type SNSClient struct {
	Region       string
	PublishInput []*sns.PublishInput
	mutex        sync.Mutex
}

// Publish is mock of SNS.Publish
func (x *SNSClient) Publish(input *sns.PublishInput) (*sns.PublishOutput, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.PublishInput = append(x.PublishInput, input)
	return &sns.PublishOutput{}, nil
}

// NewSNSMock returns SNSClientFactory and mock.SNSClient that SNSClientFactory returns
func NewSNSMock() (adaptor.SNSClientFactory, *SNSClient) {
	client := &SNSClient{}
	return func(region string) (adaptor.SNSClient, error) {
		client.Region = region
		return client, nil
	}, client
}

// SecretsManagerClient returns Secrets as JSON secret string
type SecretsManagerClient struct {
	Region  string
	Secrets map[string]string
	Inputs  []*secretsmanager.GetSecretValueInput
}

func (x *SecretsManagerClient) GetSecretValue(input *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	x.Inputs = append(x.Inputs, input)
	raw, err := json.Marshal(x.Secrets)
	if err != nil {
		return nil, err
	}
	return &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(string(raw)),
	}, nil
}

// NewSecretsManagerMock returns factory and mock client with secrets
func NewSecretsManagerMock(secrets map[string]string) (adaptor.SecretsManagerClientFactory, *SecretsManagerClient) {
	client := &SecretsManagerClient{Secrets: secrets}
	return func(region string) (adaptor.SecretsManagerClient, error) {
		client.Region = region
		return client, nil
	}, client
}
