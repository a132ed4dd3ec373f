package lambda

import (
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/m-mizutani/threatwatch/pkg/arguments"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// Arguments are passed to Handler. It includes configuration, factories and
// received event.
type Arguments struct {
	*arguments.Arguments

	Event interface{}
}

func newArguments(event interface{}) (*Arguments, error) {
	base, err := arguments.New()
	if err != nil {
		return nil, err
	}
	return &Arguments{
		Arguments: base,
		Event:     event,
	}, nil
}

// -----------------------
// Data binding

// BindEvent convert event that Lambda Function received to v via json marshal/unmarshal
func (x *Arguments) BindEvent(v interface{}) error {
	raw, err := json.Marshal(x.Event)
	if err != nil {
		return errors.Wrap(err, "Marshal lambda event")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "Unmarshal lambda event")
	}
	return nil
}

// EventRecord is decapsulate event data (e.g. Body of SQS event)
type EventRecord []byte

// Bind unmarshal event record to object
func (x EventRecord) Bind(ev interface{}) error {
	if err := json.Unmarshal(x, ev); err != nil {
		return errors.Wrap(err, "Failed json.Unmarshal in DecodeEvent").With("raw", string(x))
	}
	return nil
}

// DecapSNSoverSQSEvent decapsulate SNS message wrapped in SQS body
func (x *Arguments) DecapSNSoverSQSEvent() ([]EventRecord, error) {
	var sqsEvent events.SQSEvent
	if err := x.BindEvent(&sqsEvent); err != nil {
		return nil, err
	}

	var output []EventRecord
	for _, record := range sqsEvent.Records {
		var snsEntity events.SNSEntity
		if err := json.Unmarshal([]byte(record.Body), &snsEntity); err != nil {
			return nil, errors.Wrap(err, "Failed to unmarshal SNS entity in SQS msg").With("body", record.Body)
		}

		output = append(output, EventRecord(snsEntity.Message))
	}

	return output, nil
}
