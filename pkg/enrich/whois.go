package enrich

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	whoisparser "github.com/likexian/whois-parser"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// ErrNotFound means the registry has no record of the domain. It is not retried.
var ErrNotFound = errors.New("domain not found in registry")

// WhoisRecord is registration data of a domain
type WhoisRecord struct {
	Registrar string
	CreatedAt time.Time
}

type WhoisProvider interface {
	Name() string
	Lookup(ctx context.Context, domain string) (*WhoisRecord, error)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func getJSON(ctx context.Context, client adaptor.HTTPClient, rawURL string, accept string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "Failed to create request")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "threatwatch/enrich")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.New("Unexpected status code").With("code", resp.StatusCode).With("body", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "Failed to decode JSON response")
	}
	return nil
}

// -----------------------
// WhoisXML API

const whoisXMLEndpoint = "https://www.whoisxmlapi.com/whoisserver/WhoisService"

type WhoisXML struct {
	Endpoint string
	apiKey   string
	client   adaptor.HTTPClient
}

func NewWhoisXML(client adaptor.HTTPClient, apiKey string) *WhoisXML {
	return &WhoisXML{Endpoint: whoisXMLEndpoint, apiKey: apiKey, client: client}
}

func (x *WhoisXML) Name() string { return "whoisxml" }

type whoisXMLResponse struct {
	WhoisRecord *struct {
		RegistrarName string `json:"registrarName"`
		CreatedDate   string `json:"createdDate"`
		RegistryData  struct {
			RegistrarName string `json:"registrarName"`
			CreatedDate   string `json:"createdDate"`
		} `json:"registryData"`
		DataError string `json:"dataError"`
	} `json:"WhoisRecord"`
	ErrorMessage *struct {
		ErrorCode string `json:"errorCode"`
		Msg       string `json:"msg"`
	} `json:"ErrorMessage"`
}

func (x *WhoisXML) Lookup(ctx context.Context, domain string) (*WhoisRecord, error) {
	if x.apiKey == "" {
		return nil, errors.New("WhoisXML API key is not set")
	}

	q := url.Values{}
	q.Set("apiKey", x.apiKey)
	q.Set("domainName", domain)
	q.Set("outputFormat", "JSON")

	var resp whoisXMLResponse
	if err := getJSON(ctx, x.client, x.Endpoint+"?"+q.Encode(), "application/json", &resp); err != nil {
		return nil, err
	}

	if resp.ErrorMessage != nil {
		return nil, errors.New("WhoisXML API error").
			With("code", resp.ErrorMessage.ErrorCode).With("msg", resp.ErrorMessage.Msg)
	}
	if resp.WhoisRecord == nil || resp.WhoisRecord.DataError == "MISSING_WHOIS_DATA" {
		return nil, ErrNotFound
	}

	rec := resp.WhoisRecord
	record := &WhoisRecord{
		Registrar: rec.RegistrarName,
		CreatedAt: parseDate(rec.CreatedDate),
	}
	if record.Registrar == "" {
		record.Registrar = rec.RegistryData.RegistrarName
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = parseDate(rec.RegistryData.CreatedDate)
	}
	return record, nil
}

// -----------------------
// RDAP

const rdapBaseURL = "https://rdap.org/domain/"

type RDAP struct {
	BaseURL string
	client  adaptor.HTTPClient
}

func NewRDAP(client adaptor.HTTPClient) *RDAP {
	return &RDAP{BaseURL: rdapBaseURL, client: client}
}

func (x *RDAP) Name() string { return "rdap" }

type rdapResponse struct {
	LDHName  string       `json:"ldhName"`
	Events   []rdapEvent  `json:"events"`
	Entities []rdapEntity `json:"entities"`
}

type rdapEvent struct {
	Action string `json:"eventAction"`
	Date   string `json:"eventDate"`
}

type rdapEntity struct {
	Roles      []string `json:"roles"`
	Handle     string   `json:"handle"`
	VCardArray []any    `json:"vcardArray"`
}

func (x *RDAP) Lookup(ctx context.Context, domain string) (*WhoisRecord, error) {
	base, err := url.Parse(x.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid RDAP base URL").With("url", x.BaseURL)
	}
	endpoint := base.ResolveReference(&url.URL{Path: path.Join(base.Path, url.PathEscape(domain))})

	var resp rdapResponse
	if err := getJSON(ctx, x.client, endpoint.String(), "application/rdap+json, application/json", &resp); err != nil {
		return nil, err
	}

	record := &WhoisRecord{}
	for _, ev := range resp.Events {
		if strings.EqualFold(strings.TrimSpace(ev.Action), "registration") {
			record.CreatedAt = parseDate(ev.Date)
			break
		}
	}

	for _, entity := range resp.Entities {
		if hasRole(entity.Roles, "registrar") {
			record.Registrar = rdapEntityName(entity)
			break
		}
	}

	return record, nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// rdapEntityName returns "fn" of jCard, or handle if not available
func rdapEntityName(entity rdapEntity) string {
	if len(entity.VCardArray) < 2 {
		return strings.TrimSpace(entity.Handle)
	}
	entries, ok := entity.VCardArray[1].([]any)
	if !ok {
		return strings.TrimSpace(entity.Handle)
	}
	for _, entry := range entries {
		parts, ok := entry.([]any)
		if !ok || len(parts) < 4 {
			continue
		}
		if name, _ := parts[0].(string); name != "fn" {
			continue
		}
		if text, ok := parts[len(parts)-1].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return strings.TrimSpace(entity.Handle)
}

// -----------------------
// Raw WHOIS over port 43

type RawWhois struct {
	client adaptor.WhoisClient
}

func NewRawWhois(client adaptor.WhoisClient) *RawWhois {
	return &RawWhois{client: client}
}

func (x *RawWhois) Name() string { return "whois" }

func (x *RawWhois) Lookup(ctx context.Context, domain string) (*WhoisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := x.client.Whois(domain)
	if err != nil {
		return nil, err
	}

	info, err := whoisparser.Parse(text)
	if err != nil {
		if errors.Is(err, whoisparser.ErrNotFoundDomain) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Failed to parse WHOIS text").With("domain", domain)
	}

	record := &WhoisRecord{}
	if info.Registrar != nil {
		record.Registrar = info.Registrar.Name
	}
	if info.Domain != nil {
		record.CreatedAt = parseDate(info.Domain.CreatedDate)
	}
	return record, nil
}

// NewWhoisProvider returns provider by name: whoisxml, rdap or whois
func NewWhoisProvider(name string, httpClient adaptor.HTTPClient, whoisClient adaptor.WhoisClient, apiKey string) (WhoisProvider, error) {
	switch strings.ToLower(name) {
	case "whoisxml":
		return NewWhoisXML(httpClient, apiKey), nil
	case "rdap", "":
		return NewRDAP(httpClient), nil
	case "whois":
		return NewRawWhois(whoisClient), nil
	}
	return nil, errors.New("Unknown WHOIS provider").With("name", name)
}
