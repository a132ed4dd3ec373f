package adaptor_test

import (
	"path/filepath"
	"testing"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSearchKeywordIsLiteral(t *testing.T) {
	repo, err := adaptor.NewSQLiteRepository("", filepath.Join(t.TempDir(), "threats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	newThreat := func(id, data, desc string) *threatwatch.Threat {
		return &threatwatch.Threat{
			ID:          id,
			Value:       threatwatch.Value{Data: data, Type: threatwatch.ValueDomainName},
			Source:      "OpenPhish",
			Domain:      data,
			Description: desc,
			DetectedAt:  1600000000,
		}
	}
	require.NoError(t, repo.PutThreats([]*threatwatch.Threat{
		newThreat("1", "cbk_portal.xyz", ""),
		newThreat("2", "cbkXportal.xyz", ""),
		newThreat("3", "mpesa-bonus.top", "100% bonus"),
		newThreat("4", "mpesa-gift.top", "1000 bonus"),
		newThreat("5", `kcb\login.tk`, ""),
	}))

	testCases := map[string]struct {
		keyword string
		expect  []string
	}{
		"underscore":    {"cbk_", []string{"1"}},
		"percent":       {"100%", []string{"3"}},
		"backslash":     {`kcb\`, []string{"5"}},
		"plain keyword": {"portal", []string{"1", "2"}},
		"ignore case":   {"CBKX", []string{"2"}},
	}

	for title, tc := range testCases {
		t.Run(title, func(t *testing.T) {
			threats, err := repo.SearchThreats(&threatwatch.ThreatQuery{Keyword: tc.keyword})
			require.NoError(t, err)
			var ids []string
			for _, th := range threats {
				ids = append(ids, th.ID)
			}
			assert.ElementsMatch(t, tc.expect, ids)
		})
	}
}
