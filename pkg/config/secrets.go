package config

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// Secrets is JSON document stored in AWS Secrets Manager
type Secrets struct {
	OTXToken        string `json:"otx_token"`
	VTAPIKey        string `json:"vt_api_key"`
	WhoisXMLAPIKey  string `json:"whoisxml_api_key"`
	TelegramToken   string `json:"telegram_token"`
	SlackWebhookURL string `json:"slack_webhook_url"`
}

func extractSecretsRegion(secretsARN string) (string, error) {
	// arn:aws:secretsmanager:us-east-1:111122223333:secret:name
	parts := strings.Split(secretsARN, ":")
	if len(parts) < 7 {
		return "", errors.New("Invalid secrets ARN").With("ARN", secretsARN)
	}
	return parts[3], nil
}

// FillSecrets fetches Secrets from SecretsARN and sets values that are not given
// by environment variables. Nothing is done if SecretsARN is empty.
func (x *Config) FillSecrets(newSM adaptor.SecretsManagerClientFactory) error {
	if x.SecretsARN == "" {
		return nil
	}
	if newSM == nil {
		newSM = adaptor.NewSecretsManagerClient
	}

	region, err := extractSecretsRegion(x.SecretsARN)
	if err != nil {
		return err
	}

	client, err := newSM(region)
	if err != nil {
		return errors.Wrap(err, "Failed to create SecretsManager client").With("region", region)
	}

	output, err := client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(x.SecretsARN),
	})
	if err != nil {
		return errors.Wrap(err, "Failed to get secret value").With("ARN", x.SecretsARN)
	}

	var secrets Secrets
	if err := json.Unmarshal([]byte(aws.StringValue(output.SecretString)), &secrets); err != nil {
		return errors.Wrap(err, "Failed to parse secret values").With("ARN", x.SecretsARN)
	}

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&x.OTXToken, secrets.OTXToken)
	fill(&x.VTAPIKey, secrets.VTAPIKey)
	fill(&x.WhoisXMLAPIKey, secrets.WhoisXMLAPIKey)
	fill(&x.TelegramToken, secrets.TelegramToken)
	fill(&x.SlackWebhookURL, secrets.SlackWebhookURL)

	return nil
}
