package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKeyDeterministic(t *testing.T) {
	a := LockKey("repo-1", "main")
	b := LockKey("repo-1", "main")
	assert.Equal(t, a, b)
}

func TestLockKeyDistinguishesPairs(t *testing.T) {
	assert.NotEqual(t, LockKey("repo-1", "main"), LockKey("repo-1", "develop"))
	assert.NotEqual(t, LockKey("repo-1", "main"), LockKey("repo-2", "main"))
}
