package normalize

import (
	"sort"
	"strings"

	"github.com/m-mizutani/threatwatch"
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Focus keeps threats whose value, domain or description contain one of
// keywords. If no threat matches, all threats are returned so that a quiet day
// still produces output.
func Focus(chunk threatwatch.ThreatChunk, keywords []string) threatwatch.ThreatChunk {
	if len(keywords) == 0 {
		return chunk
	}

	var matched threatwatch.ThreatChunk
	for _, t := range chunk {
		text := strings.ToLower(t.Data + " " + t.Domain + " " + t.Description)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				matched = append(matched, t)
				break
			}
		}
	}

	if len(matched) == 0 {
		logger.Debug().Int("count", len(chunk)).Msg("No threat matched focus keywords, keep all")
		return chunk
	}
	return matched
}

// Deduper drops threats that have the same identity as a threat seen before
type Deduper struct {
	seen map[threatwatch.ThreatKey]struct{}
}

// NewDeduper creates Deduper sized for about n threats
func NewDeduper(n uint) *Deduper {
	return &Deduper{seen: make(map[threatwatch.ThreatKey]struct{}, n)}
}

// Seen records key and returns true if it was recorded before
func (x *Deduper) Seen(t *threatwatch.Threat) bool {
	key := t.Key()
	if _, ok := x.seen[key]; ok {
		return true
	}
	x.seen[key] = struct{}{}
	return false
}

// Chunk returns threats not seen before, keeping the first occurrence. Later
// duplicates are merged into the first one.
func (x *Deduper) Chunk(chunk threatwatch.ThreatChunk) threatwatch.ThreatChunk {
	var out threatwatch.ThreatChunk
	first := make(map[threatwatch.ThreatKey]*threatwatch.Threat)
	for _, t := range chunk {
		key := t.Key()
		if x.Seen(t) {
			if base, ok := first[key]; ok {
				threatwatch.Merge(base, t)
			}
			continue
		}
		first[key] = t
		out = append(out, t)
	}
	return out
}
