package couchbase

import (
	"fmt"
	"testing"

	"github.com/couchbase/gocb/v2"
	"github.com/stretchr/testify/assert"
)

type doc struct {
	Name string `json:"name"`

	Cas `json:"-"`
}

func TestCas(t *testing.T) {
	t.Parallel()

	var d doc
	var m CasManager = &d
	m.SetCas(42)

	assert.Equal(t, uint64(42), m.GetCas())
}

func TestNewCouchbase_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewCouchbase[doc](nil, nil, nil)
	assert.Error(t, err)
}

func TestNewTransactions_RequiresCluster(t *testing.T) {
	t.Parallel()

	_, err := NewTransactions(nil, 0)
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("failed to get document with key k: %w", gocb.ErrDocumentNotFound)
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsExists(wrapped))

	exists := fmt.Errorf("failed to insert: %w", gocb.ErrDocumentExists)
	assert.True(t, IsExists(exists))
	assert.False(t, IsNotFound(exists))
}
