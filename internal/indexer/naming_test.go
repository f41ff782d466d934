package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRepoID(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"https://github.com/o/r", "https://github.com/o/r"},
		{"git@github.com:o/r.git", "https://github.com/o/r"},
		{"ssh://git@github.com/o/r.git", "https://github.com/o/r"},
		{"https://u:p@github.com/o/r/", "https://github.com/o/r"},
		{"https://github.com/o/r.GIT", "https://github.com/o/r"},
		{"  https://github.com/o/r.git  ", "https://github.com/o/r"},
		{"https://github.com/o/r///", "https://github.com/o/r"},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, DeriveRepoID(tc.input))
		})
	}
}

func TestDeriveRepoIDIdempotent(t *testing.T) {
	inputs := []string{
		"git@github.com:o/r.git",
		"https://u:p@gitlab.com/group/project/",
		"ssh://git@bitbucket.org/team/repo.git",
	}
	for _, input := range inputs {
		once := DeriveRepoID(input)
		assert.Equal(t, once, DeriveRepoID(once))
	}
}

func TestDeriveRepoSlug(t *testing.T) {
	assert.Equal(t, "https_github_com_o_r", DeriveRepoSlug("https://github.com/o/r"))

	long := "https://github.com/" + strings.Repeat("verylongsegment/", 10)
	slug := DeriveRepoSlug(long)
	assert.LessOrEqual(t, len(slug), 69) // 60 + "_" + 8 hex chars
	assert.Contains(t, slug, "_")

	// Truncated slugs stay distinct for distinct inputs.
	other := DeriveRepoSlug(long + "x")
	assert.NotEqual(t, slug, other)
}

func TestDeriveBranchSlug(t *testing.T) {
	assert.Equal(t, "feature_auth_v2", DeriveBranchSlug("feature/auth-v2"))

	long := DeriveBranchSlug(strings.Repeat("release/2026.01.15-", 5))
	assert.LessOrEqual(t, len(long), 29)
}

func TestBuildCollectionName(t *testing.T) {
	assert.Equal(t, "codebase_acme_widget_main_1536", BuildCollectionName("acme_widget", 1536, "main"))
	assert.Equal(t, "codebase_acme_widget_1536", BuildCollectionName("acme_widget", 1536, ""))
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID(testNamespace, "https://github.com/o/r", "a.ts", "deadbeef")
	b := PointID(testNamespace, "https://github.com/o/r", "a.ts", "deadbeef")
	assert.Equal(t, a, b)

	c := PointID(testNamespace, "https://github.com/o/r", "b.ts", "deadbeef")
	assert.NotEqual(t, a, c)
}
