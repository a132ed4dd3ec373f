package normalize

import (
	"net"
	"net/url"
	"strings"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
	"golang.org/x/net/publicsuffix"
)

var logger = logging.Logger

var deobfuscator = strings.NewReplacer(
	"[.]", ".",
	"(.)", ".",
	"{.}", ".",
	"[dot]", ".",
	"[:]", ":",
	"hxxps://", "https://",
	"hxxp://", "http://",
	"hXXps://", "https://",
	"hXXp://", "http://",
)

// Deobfuscate reverts defanged notation such as hxxp://example[.]com
func Deobfuscate(s string) string {
	return deobfuscator.Replace(strings.TrimSpace(s))
}

// URL cleans raw URL. Scheme must be http or https and host must exist. Scheme
// and host are lowercased, fragment is dropped, path and query are kept as is.
func URL(raw string) (*url.URL, error) {
	cleaned := Deobfuscate(raw)
	if cleaned == "" {
		return nil, errors.New("empty URL")
	}

	u, err := url.Parse(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid URL").With("url", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("Unsupported URL scheme").With("url", raw)
	}
	if u.Hostname() == "" {
		return nil, errors.New("No host in URL").With("url", raw)
	}

	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Host normalizes host name or URL-like string to lowercase host without port
// and trailing dot. Empty string is returned for invalid input.
func Host(s string) string {
	s = Deobfuscate(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || strings.Contains(host, "*") {
		return ""
	}
	if net.ParseIP(host) == nil && !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// IsOnion returns true if host is Tor hidden service
func IsOnion(host string) bool {
	return strings.HasSuffix(host, ".onion")
}

// RegistrableDomain returns eTLD+1 of host. Onion hosts are returned as they
// are, IP addresses and public suffixes return empty string.
func RegistrableDomain(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	if IsOnion(host) {
		labels := strings.Split(host, ".")
		if len(labels) >= 2 {
			return strings.Join(labels[len(labels)-2:], ".")
		}
		return host
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

// TLD returns public suffix of host (e.g. "co.ke")
func TLD(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	return suffix
}

// LastLabel returns the last label of domain, used for TLD based heuristics
func LastLabel(domain string) string {
	idx := strings.LastIndex(domain, ".")
	if idx < 0 {
		return domain
	}
	return domain[idx+1:]
}

// Normalizer cleans threats from feeds and fills derived fields
type Normalizer struct {
	keywordTags map[string]string
}

// NewNormalizer creates Normalizer. keywordTags maps lowercase substring to a
// label attached as keyword (e.g. "mpesa" => "M-PESA").
func NewNormalizer(keywordTags map[string]string) *Normalizer {
	tags := make(map[string]string, len(keywordTags))
	for k, v := range keywordTags {
		tags[strings.ToLower(k)] = v
	}
	return &Normalizer{keywordTags: tags}
}

const (
	confidenceWithKeyword = 70
	confidenceDefault     = 50
)

// knownSources maps lowercase source name to its canonical spelling
var knownSources = map[string]string{
	"openphish": "OpenPhish",
	"urlhaus":   "URLhaus",
	"otx":       "otx",
	"pastebin":  "pastebin",
	"dork":      "dork",
	"darkweb":   "darkweb",
}

// Source returns canonical name of source. Threats are identified by value
// and source, so the same source must be spelled in one way.
func Source(name string) string {
	name = strings.TrimSpace(name)
	if canonical, ok := knownSources[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// Threat normalizes t in place. It returns error if the indicator is invalid.
func (x *Normalizer) Threat(t *threatwatch.Threat) error {
	t.Source = Source(t.Source)

	switch t.Type {
	case threatwatch.ValueURL, "":
		u, err := URL(t.Data)
		if err != nil {
			return err
		}
		t.Data = u.String()
		t.Type = threatwatch.ValueURL
		t.URL = t.Data
		x.fillHost(t, u.Hostname())

	case threatwatch.ValueDomainName, threatwatch.ValueOnion:
		host := Host(t.Data)
		if host == "" {
			return errors.New("Invalid domain").With("value", t.Data)
		}
		t.Data = host
		x.fillHost(t, host)

	case threatwatch.ValueIPAddr:
		ip := net.ParseIP(strings.TrimSpace(t.Data))
		if ip == nil {
			return errors.New("Invalid IP address").With("value", t.Data)
		}
		t.Data = ip.String()

	default:
		return errors.New("Unsupported value type").With("type", t.Type)
	}

	if t.ThreatType == "" {
		t.ThreatType = threatwatch.ThreatUnknown
	}
	if t.Type == threatwatch.ValueOnion {
		t.ThreatType = threatwatch.ThreatDarkWeb
	}

	t.AddKeywords(x.Keywords(t.Data + " " + t.Description)...)
	if t.Confidence == 0 {
		if len(t.Keywords) > 0 {
			t.Confidence = confidenceWithKeyword
		} else {
			t.Confidence = confidenceDefault
		}
	}
	return nil
}

func (x *Normalizer) fillHost(t *threatwatch.Threat, host string) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		if t.Type != threatwatch.ValueURL {
			t.Type = threatwatch.ValueIPAddr
		}
		return
	}

	if IsOnion(host) {
		if t.Type == threatwatch.ValueDomainName {
			t.Type = threatwatch.ValueOnion
		}
		t.Domain = RegistrableDomain(host)
		t.TLD = "onion"
		return
	}

	t.Domain = RegistrableDomain(host)
	if t.Domain == "" {
		t.Domain = host
	}
	t.TLD = TLD(host)
}

// Keywords returns labels of keywords found in text, in stable order
func (x *Normalizer) Keywords(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	seen := map[string]bool{}
	for _, kw := range sortedKeys(x.keywordTags) {
		label := x.keywordTags[kw]
		if seen[label] || !strings.Contains(lower, kw) {
			continue
		}
		seen[label] = true
		found = append(found, label)
	}
	return found
}

// Chunk normalizes all threats and drops invalid ones
func (x *Normalizer) Chunk(chunk threatwatch.ThreatChunk) threatwatch.ThreatChunk {
	var out threatwatch.ThreatChunk
	for _, t := range chunk {
		if err := x.Threat(t); err != nil {
			logger.Debug().Str("value", t.Data).Str("source", t.Source).Err(err).Msg("Dropped invalid indicator")
			continue
		}
		out = append(out, t)
	}
	return out
}
