// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"bytes"
	"context"
	_ "embed"
	"time"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/example/retention/archive"
	"github.com/z5labs/keel/job"
	"github.com/z5labs/keel/postgres"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

//go:embed config.yaml
var configBytes []byte

// Config is the retention job configuration.
type Config struct {
	job.Config `config:",squash"`

	Minio struct {
		Endpoint  string `config:"endpoint"`
		AccessKey string `config:"access_key"`
		SecretKey string `config:"secret_key"`
		Bucket    string `config:"bucket"`
	} `config:"minio"`

	Retention struct {
		Window time.Duration `config:"window"`
	} `config:"retention"`
}

func main() {
	job.Run(bytes.NewReader(configBytes), func(ctx context.Context, cfg Config) (*job.App, error) {
		pool, err := postgres.Connect(ctx, postgres.Config{URL: postgres.URLFromEnv()})
		if err != nil {
			return nil, err
		}

		mc, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
			Creds: credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		})
		if err != nil {
			return nil, err
		}

		store := archive.NewMinioStore(mc)
		err = store.EnsureBucket(ctx, cfg.Minio.Bucket)
		if err != nil {
			return nil, err
		}

		archiver := archive.New(
			pool,
			store,
			archive.Bucket(cfg.Minio.Bucket),
			archive.Window(cfg.Retention.Window),
			archive.LogHandler(keel.Logger("retention").Handler()),
		)

		return job.NewApp(job.HandlerFunc(func(ctx context.Context) error {
			defer pool.Close()
			return archiver.Handle(ctx)
		})), nil
	})
}
