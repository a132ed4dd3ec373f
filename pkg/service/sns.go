package service

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
)

var logger = logging.Logger

// SNSService publishes threat chunks to SNS topic
type SNSService struct {
	newSNS adaptor.SNSClientFactory
}

func NewSNSService(newSNS adaptor.SNSClientFactory) *SNSService {
	return &SNSService{
		newSNS: newSNS,
	}
}

func extractSNSRegion(topicARN string) (string, error) {
	// topicARN sample: arn:aws:sns:us-east-1:111122223333:my-topic
	arnParts := strings.Split(topicARN, ":")

	if len(arnParts) != 6 {
		return "", errors.New("Invalid SNS topic ARN").With("ARN", topicARN)
	}

	return arnParts[3], nil
}

func publishSNS(client adaptor.SNSClient, topicARN string, msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Fail to marshal message")
	}

	input := sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(raw)),
	}
	resp, err := client.Publish(&input)
	if err != nil {
		return errors.Wrap(err, "Fail to publish SNS message").With("topic", topicARN)
	}

	logger.Trace().Interface("resp", resp).Msg("Sent SNS message")
	return nil
}

// PublishThreats sends chunk as JSON array, 32 threats per message
func (x *SNSService) PublishThreats(topicARN string, chunk threatwatch.ThreatChunk) error {
	if len(chunk) == 0 {
		return nil
	}

	region, err := extractSNSRegion(topicARN)
	if err != nil {
		return err
	}

	client, err := x.newSNS(region)
	if err != nil {
		return errors.Wrap(err, "Failed to create SNS client").With("region", region)
	}

	const step = 32

	for i := 0; i < len(chunk); i += step {
		e := i + step
		if len(chunk) < e {
			e = len(chunk)
		}
		c := chunk[i:e]
		if err := publishSNS(client, topicARN, c); err != nil {
			return errors.Wrap(err).With("offset", i)
		}
	}

	return nil
}
