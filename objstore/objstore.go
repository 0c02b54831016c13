//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package objstore provides a BlockStore backed by an S3-compatible object
// store. Regions are compressed with s2 before upload, transient failures
// are retried with exponential backoff.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/s2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/spann"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	defaultRetryElapsed  = 5 * time.Second
)

type Config struct {
	Endpoint  string
	Bucket    string
	Root      string // key prefix inside the bucket
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Store implements spann.BlockStore on top of an S3-compatible bucket.
type Store struct {
	client *minio.Client
	config Config
	logger logrus.FieldLogger
}

func New(config Config, logger logrus.FieldLogger) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid object store config")
	}

	creds := credentials.NewEnvAWS()
	if config.AccessKey != "" {
		creds = credentials.NewStaticV4(config.AccessKey, config.SecretKey, "")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	return &Store{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// objectName maps a block key to a fixed-width object name,
// lexicographically ordered listings walk the keys in numeric order.
func (s *Store) objectName(key uint64) string {
	return path.Join(s.config.Root, fmt.Sprintf("%016x", key))
}

func (s *Store) Get(ctx context.Context, key uint64) ([]byte, error) {
	var compressed []byte

	operation := func() error {
		obj, err := s.client.GetObject(ctx, s.config.Bucket, s.objectName(key), minio.GetObjectOptions{})
		if err != nil {
			return s.mapError(err)
		}
		defer obj.Close()

		compressed, err = io.ReadAll(obj)
		if err != nil {
			return s.mapError(err)
		}
		return nil
	}
	if err := backoff.Retry(operation, s.newBackoff(ctx)); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch block %d", key)
	}

	data, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decompress block %d", key)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key uint64, data []byte) error {
	compressed := s2.Encode(nil, data)

	operation := func() error {
		reader := bytes.NewReader(compressed)
		_, err := s.client.PutObject(ctx, s.config.Bucket, s.objectName(key), reader,
			int64(len(compressed)), minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return s.mapError(err)
	}
	if err := backoff.Retry(operation, s.newBackoff(ctx)); err != nil {
		return errors.Wrapf(err, "failed to store block %d", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key uint64) error {
	operation := func() error {
		err := s.client.RemoveObject(ctx, s.config.Bucket, s.objectName(key), minio.RemoveObjectOptions{})
		if errors.Is(s.mapError(err), spann.ErrPostingNotFound) {
			return nil
		}
		return s.mapError(err)
	}
	if err := backoff.Retry(operation, s.newBackoff(ctx)); err != nil {
		return errors.Wrapf(err, "failed to delete block %d", key)
	}
	return nil
}

func (s *Store) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultRetryInterval
	eb.MaxElapsedTime = defaultRetryElapsed
	return backoff.WithContext(eb, ctx)
}

// mapError translates s3 error responses. A missing key becomes the
// sentinel the index understands and is marked permanent so it is not
// retried.
func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
		return backoff.Permanent(spann.ErrPostingNotFound)
	}
	return err
}
