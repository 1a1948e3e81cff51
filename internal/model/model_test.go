package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRef_StringParseRoundTrip(t *testing.T) {
	ref := IssueRef{Owner: "acme", Repo: "widgets", IssueNumber: 42}
	parsed, err := ParseIssueRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestParseIssueRef_Rejects(t *testing.T) {
	cases := []string{"acme/widgets", "acme#42", "acme/widgets#abc", "/widgets#42"}
	for _, c := range cases {
		_, err := ParseIssueRef(c)
		assert.Errorf(t, err, "expected error for %q", c)
	}
}
