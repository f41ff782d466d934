package vectorstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSizedCollectionName(t *testing.T) {
	assert.Equal(t, "codebase_acme_1536", BuildSizedCollectionName("codebase_acme", 1536))
}

func TestIsNotFoundScopedToCollections(t *testing.T) {
	testCases := []struct {
		err      error
		expected bool
	}{
		{errors.New("rpc error: code = NotFound desc = Collection `x` doesn't exist"), true},
		{errors.New("collection code_main not found"), true},
		{errors.New("Collection not found"), true},
		// Unrelated not-found phrasing must not classify.
		{errors.New("User not found"), false},
		{errors.New("point id not found"), false},
		{errors.New("network unreachable"), false},
		{nil, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, IsNotFound(tc.err), "err=%v", tc.err)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	assert.True(t, IsAlreadyExists(errors.New("index already exists")))
	assert.True(t, IsAlreadyExists(errors.New("rpc error: code = AlreadyExists desc = ...")))
	assert.False(t, IsAlreadyExists(errors.New("some other failure")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("rpc error: code = Unavailable desc = connection refused")))
	assert.True(t, IsTransient(errors.New("context deadline exceeded")))
	assert.True(t, IsTransient(errors.New("write: broken pipe")))
	assert.False(t, IsTransient(errors.New("invalid vector size")))
	assert.False(t, IsTransient(nil))
}

func TestMustMatchBuildsKeywordConditions(t *testing.T) {
	f := MustMatch(KV{Key: "repo_id", Value: "r"}, KV{Key: "path", Value: "a.ts"})

	assert.Len(t, f.Must, 2)
	assert.Equal(t, "repo_id", f.Must[0].GetField().GetKey())
	assert.Equal(t, "r", f.Must[0].GetField().GetMatch().GetKeyword())
	assert.Empty(t, f.Should)
}

func TestShouldMatchAny(t *testing.T) {
	f := ShouldMatchAny(
		[]KV{{Key: "repo_id", Value: "r"}},
		[]KV{{Key: "path", Value: "a.ts"}, {Key: "path", Value: "b.ts"}},
	)
	assert.Len(t, f.Must, 1)
	assert.Len(t, f.Should, 2)
}
