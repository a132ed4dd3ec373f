package threatwatch

import "fmt"

// Value is an indicator observed by a feed or crawler.
type Value struct {
	Data string    `json:"value" dynamo:"value"`
	Type ValueType `json:"type" dynamo:"type"`
}

type ValueType string

const (
	ValueIPAddr     ValueType = "ipaddr"
	ValueDomainName ValueType = "domain"
	ValueURL        ValueType = "url"
	ValueOnion      ValueType = "onion"
)

// Valid returns true if t is a known value type
func (t ValueType) Valid() bool {
	switch t {
	case ValueIPAddr, ValueDomainName, ValueURL, ValueOnion:
		return true
	}
	return false
}

func (x Value) String() string {
	return fmt.Sprintf("%s:%s", x.Type, x.Data)
}
