package domainproc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
)

func TestLookup_EducationPrivateSchoolsIsRegistered(t *testing.T) {
	p, ok := Lookup("education.private_schools")
	require.True(t, ok)
	assert.NotNil(t, p)
}

func TestLookup_UnknownDomainHint(t *testing.T) {
	_, ok := Lookup("finance.hedge_funds")
	assert.False(t, ok)
}

func TestPrivateSchools_ExtractsFromStructuredDocument(t *testing.T) {
	p := PrivateSchools{}
	docs := []gateway.Document{
		{URL: "https://acme.edu", Title: "Acme School", Content: `{"name":"Acme School","address":"1 Main St","enrollment":"420","tuition":15000,"nces_id":"nces-1"}`},
	}
	candidates, err := p.Extract(context.Background(), "California", nil, nil, docs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Acme School", candidates[0].Name)
	assert.Equal(t, "nces-1", candidates[0].UniqueIdentifier)
	assert.Equal(t, 420, candidates[0].Attributes["enrollment"])
}

func TestPrivateSchools_FallsBackToSearchHit(t *testing.T) {
	p := PrivateSchools{}
	results := []gateway.SearchResult{{URL: "https://other.edu", Title: "Other School"}}
	candidates, err := p.Extract(context.Background(), "California", nil, results, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Other School", candidates[0].Name)
}
