package adaptor

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/guregu/dynamo"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// NewDynamoRepository creates Repository backed by a DynamoDB table with "pk" hash
// key and "sk" range key.
func NewDynamoRepository(region, tableName string) (Repository, error) {
	ssn, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create AWS session").With("region", region)
	}

	return &DynamoRepository{
		table: dynamo.New(ssn).Table(tableName),
	}, nil
}

type DynamoRepository struct {
	table dynamo.Table
}

const (
	dynamoHashKey    = "pk"
	dynamoRangeKey   = "sk"
	threatPKeyPrefix = "threat/"
	threatTimeToLive = time.Hour * 24 * 90
)

type dynamoItem struct {
	PK        string `dynamo:"pk"`
	SK        string `dynamo:"sk"`
	ExpiresAt int64  `dynamo:"expires_at"`
}

func (x *dynamoItem) HashKey() interface{}  { return x.PK }
func (x *dynamoItem) RangeKey() interface{} { return x.SK }

type threatItem struct {
	dynamoItem
	threatwatch.Threat
}

func makeThreatPKey(value *threatwatch.Value) string {
	return fmt.Sprintf("%s%s/%s", threatPKeyPrefix, value.Type, value.Data)
}

func makeThreatSKey(threat *threatwatch.Threat) string {
	return threat.Source
}

func (x *DynamoRepository) PutThreats(threats []*threatwatch.Threat) error {
	if len(threats) == 0 {
		return nil
	}

	var items []interface{}
	for _, threat := range threats {
		ts := time.Unix(threat.DetectedAt, 0)
		items = append(items, &threatItem{
			dynamoItem: dynamoItem{
				PK:        makeThreatPKey(&threat.Value),
				SK:        makeThreatSKey(threat),
				ExpiresAt: ts.Add(threatTimeToLive).Unix(),
			},
			Threat: *threat,
		})
	}

	if n, err := x.table.Batch().Write().Put(items...).Run(); err != nil {
		return errors.Wrap(err, "PutThreats").With("count", len(items))
	} else if n != len(items) {
		return errors.New("A number of wrote items is mismatched").With("n", n).With("count", len(items))
	}

	return nil
}

func (x *DynamoRepository) GetThreats(values []threatwatch.Value) ([]*threatwatch.Threat, error) {
	var threats []*threatwatch.Threat

	for i := range values {
		pk := makeThreatPKey(&values[i])
		var items []*threatItem
		if err := x.table.Get(dynamoHashKey, pk).All(&items); err != nil {
			return nil, errors.Wrap(err, "Get threats").With("pk", pk)
		}

		for _, item := range items {
			threats = append(threats, &item.Threat)
		}
	}

	return threats, nil
}

// SearchThreats scans all threat items and evaluates query in memory. The table
// has no secondary index for search conditions.
func (x *DynamoRepository) SearchThreats(query *threatwatch.ThreatQuery) ([]*threatwatch.Threat, error) {
	if query == nil {
		query = &threatwatch.ThreatQuery{}
	}

	var items []*threatItem
	scan := x.table.Scan().Filter("begins_with($, ?)", dynamoHashKey, threatPKeyPrefix)
	if err := scan.All(&items); err != nil {
		return nil, errors.Wrap(err, "Scan threats")
	}

	threats := make([]*threatwatch.Threat, len(items))
	for i, item := range items {
		threats[i] = &item.Threat
	}
	return query.Apply(threats), nil
}

func (x *DynamoRepository) UpdateThreatAlerted(threat *threatwatch.Threat) error {
	pk := makeThreatPKey(&threat.Value)
	sk := makeThreatSKey(threat)

	q := x.table.Update(dynamoHashKey, pk).
		Range(dynamoRangeKey, sk).
		Set("alerted", true).
		Set("alerted_at", threat.AlertedAt)

	if err := q.Run(); err != nil {
		return errors.Wrap(err, "Failed to update threat to alerted").
			With("pk", pk).With("sk", sk)
	}

	return nil
}

func (x *DynamoRepository) Close() error { return nil }
