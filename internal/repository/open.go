package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DynamoFactory builds a DynamoDB API client. It is only called for
// dynamodb:// store URLs, so AWS config is never loaded for other stores.
type DynamoFactory func(ctx context.Context) (DynamoAPI, error)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the MessageWriter named by rawURL. An empty URL yields an
// Unconfigured store rather than an error, so the process can start and
// reject requests at entry. The returned Closer releases the store's
// connections and is never nil.
func Open(ctx context.Context, rawURL, serviceKey string, dynamo DynamoFactory) (MessageWriter, io.Closer, error) {
	target, err := ParseStoreURL(rawURL, serviceKey)
	if errors.Is(err, ErrNotConfigured) {
		return Unconfigured{Reason: "store url is not set"}, nopCloser{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	switch target.Kind {
	case KindPostgres:
		store, db, err := OpenPostgres(target.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, db, nil
	case KindDynamo:
		if dynamo == nil {
			return nil, nil, errors.New("repository: no dynamodb client factory")
		}
		api, err := dynamo(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: dynamodb client: %w", err)
		}
		store, err := NewDynamo(api, target.Table)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("repository: unsupported store kind %q", target.Kind)
}
