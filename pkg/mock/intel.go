package mock

import (
	"context"
	"sync"

	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// WhoisClient returns Records[domain] as raw WHOIS text
type WhoisClient struct {
	Records map[string]string
	Queries []string
	mutex   sync.Mutex
}

func (x *WhoisClient) Whois(domain string) (string, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.Queries = append(x.Queries, domain)
	text, ok := x.Records[domain]
	if !ok {
		return "", errors.New("No whois record").With("domain", domain)
	}
	return text, nil
}

// VirusTotalClient returns Stats[domain]. Unknown domain is an error.
type VirusTotalClient struct {
	Stats   map[string]*adaptor.DomainStats
	Queries []string
	mutex   sync.Mutex
}

func (x *VirusTotalClient) DomainStats(domain string) (*adaptor.DomainStats, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.Queries = append(x.Queries, domain)
	stats, ok := x.Stats[domain]
	if !ok {
		return nil, errors.New("Domain not found in VirusTotal").With("domain", domain)
	}
	return stats, nil
}

// TorController records signals
type TorController struct {
	Signals []string
	Err     error
	mutex   sync.Mutex
}

func (x *TorController) Signal(ctx context.Context, signal string) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.Signals = append(x.Signals, signal)
	return x.Err
}

// Count returns number of sent signals
func (x *TorController) Count() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return len(x.Signals)
}
