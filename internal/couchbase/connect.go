package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds cluster connection settings.
type Config struct {
	ConnectionString string        `env:"CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string        `env:"USERNAME" envDefault:"Administrator"`
	Password         string        `env:"PASSWORD" envDefault:"password"`
	Bucket           string        `env:"BUCKET_NAME" envDefault:"relay"`
	Scope            string        `env:"SCOPE_NAME" envDefault:"_default"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	KVTimeout        time.Duration `env:"KV_TIMEOUT" envDefault:"5s"`
	QueryTimeout     time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	ReadyTimeout     time.Duration `env:"READY_TIMEOUT" envDefault:"5s"`
	TxTimeout        time.Duration `env:"TRANSACTION_TIMEOUT" envDefault:"10s"`
}

// Connect opens the cluster and waits for the bucket to be ready.
func Connect(cfg Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(cfg.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: cfg.ConnectTimeout,
			KVTimeout:      cfg.KVTimeout,
			QueryTimeout:   cfg.QueryTimeout,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(cfg.ReadyTimeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
