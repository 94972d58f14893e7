// Package couchbase provides a generic abstraction layer over the Couchbase Go SDK:
// typed CRUD on one collection, N1QL queries and distributed transactions.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// Couchbase is a typed wrapper around a single collection. Documents that embed
// Cas get their CAS value filled in on reads and writes.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

// NewCouchbase creates a new generic Couchbase wrapper instance.
func NewCouchbase[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, collection *gocb.Collection) (*Couchbase[T], error) {
	if cluster == nil || bucket == nil || collection == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster, bucket, and collection must not be nil")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		bucket:     bucket,
		collection: collection,
	}, nil
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gocb.ErrDocumentNotFound)
}

// IsExists reports whether err means a document with the key already exists.
func IsExists(err error) bool {
	return errors.Is(err, gocb.ErrDocumentExists)
}

// Insert creates a new document. It fails if the key already exists.
func (c *Couchbase[T]) Insert(ctx context.Context, key string, value T, insertOptions *gocb.InsertOptions) error {
	if insertOptions == nil {
		insertOptions = new(gocb.InsertOptions)
	}
	insertOptions.Context = ctx

	res, err := c.collection.Insert(key, value, insertOptions)
	if err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	if s, ok := any(&value).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Get reads a document and unmarshals it into T.
func (c *Couchbase[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	if s, ok := any(&v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return &v, nil
}

// Replace updates an existing document. Pass the document's CAS in opts for
// optimistic concurrency.
func (c *Couchbase[T]) Replace(ctx context.Context, key string, v *T, opts *gocb.ReplaceOptions) error {
	if opts == nil {
		opts = new(gocb.ReplaceOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Replace(key, v, opts)
	if err != nil {
		return fmt.Errorf("failed to replace document with key %s: %w", key, err)
	}

	if s, ok := any(v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Remove deletes a document by key. Missing documents are not an error.
func (c *Couchbase[T]) Remove(ctx context.Context, key string, opts *gocb.RemoveOptions) error {
	if opts == nil {
		opts = new(gocb.RemoveOptions)
	}
	opts.Context = ctx

	_, err := c.collection.Remove(key, opts)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to remove document with key %s: %w", key, err)
	}

	return nil
}

// Query executes a N1QL query and decodes every row into T.
func (c *Couchbase[T]) Query(ctx context.Context, query string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := c.cluster.Query(query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	var items []T
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	return items, nil
}

// Collection returns the underlying Couchbase collection for advanced operations.
func (c *Couchbase[T]) Collection() *gocb.Collection {
	return c.collection
}

// Keyspace returns the fully qualified `bucket`.`scope`.`collection` name for N1QL.
func (c *Couchbase[T]) Keyspace() string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", c.bucket.Name(), c.collection.ScopeName(), c.collection.Name())
}
