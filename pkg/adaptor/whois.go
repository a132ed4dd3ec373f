package adaptor

import (
	"time"

	"github.com/likexian/whois"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// WhoisClient queries raw WHOIS text of a domain over port 43
type WhoisClient interface {
	Whois(domain string) (string, error)
}

type whoisClient struct {
	client *whois.Client
}

// NewWhoisClient creates WhoisClient with timeout for each query
func NewWhoisClient(timeout time.Duration) WhoisClient {
	client := whois.NewClient()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &whoisClient{client: client}
}

func (x *whoisClient) Whois(domain string) (string, error) {
	text, err := x.client.Whois(domain)
	if err != nil {
		return "", errors.Wrap(err, "WHOIS query failed").With("domain", domain)
	}
	return text, nil
}
