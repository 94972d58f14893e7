package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Transactions wraps Couchbase distributed transactions with a fixed timeout
// and durability level.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

// NewTransactions creates a new transaction manager for the given cluster.
// A zero timeout uses ten seconds.
func NewTransactions(cluster *gocb.Cluster, timeout time.Duration) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Transactions{
		cluster: cluster,
		timeout: timeout,
	}, nil
}

// Transaction runs fn inside a distributed transaction and returns its ID.
func (t *Transactions) Transaction(fn TransactionAttempt) (string, error) {
	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         t.timeout,
	}
	run := func(actx *gocb.TransactionAttemptContext) error {
		return fn(&transactionRunner{ctx: actx})
	}

	res, err := t.cluster.Transactions().Run(run, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

type transactionRunner struct {
	ctx *gocb.TransactionAttemptContext
}

func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.ctx.Get(tc.Collection(), key)
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Insert(tc.Collection(), key, value)
}

func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Replace(doc, value)
}

// TransactionRunner is the set of document operations available inside a transaction.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// TransactionCollection is anything backed by a collection, typically *Couchbase[T].
type TransactionCollection interface {
	Collection() *gocb.Collection
}

// TransactionAttempt is one attempt of a transaction body. It may be retried.
type TransactionAttempt func(t TransactionRunner) error
