package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_EmptyURLIsUnconfigured(t *testing.T) {
	called := false
	store, closer, err := Open(context.Background(), " ", "", func(context.Context) (DynamoAPI, error) {
		called = true
		return &fakeDynamo{}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, closer)
	require.ErrorIs(t, store.Ready(context.Background()), ErrNotConfigured)
	require.False(t, called)
}

func TestOpen_Dynamo(t *testing.T) {
	db := &fakeDynamo{}
	store, closer, err := Open(context.Background(), "dynamodb://coach-messages", "", func(context.Context) (DynamoAPI, error) {
		return db, nil
	})
	require.NoError(t, err)
	require.NoError(t, closer.Close())

	dyn, ok := store.(*DynamoClient)
	require.True(t, ok)
	require.Equal(t, "coach-messages", dyn.tableName)
	require.NoError(t, store.Ready(context.Background()))
}

func TestOpen_DynamoFactoryError(t *testing.T) {
	_, _, err := Open(context.Background(), "dynamodb://t", "", func(context.Context) (DynamoAPI, error) {
		return nil, errors.New("no region")
	})
	require.ErrorContains(t, err, "no region")

	_, _, err = Open(context.Background(), "dynamodb://t", "", nil)
	require.Error(t, err)
}

func TestOpen_Postgres(t *testing.T) {
	// sql.Open does not dial, so this succeeds without a database.
	store, closer, err := Open(context.Background(), "postgres://db.internal:5432/app?sslmode=disable", "service-key", nil)
	require.NoError(t, err)
	defer closer.Close()

	_, ok := store.(*PostgresClient)
	require.True(t, ok)
}

func TestOpen_BadURL(t *testing.T) {
	_, _, err := Open(context.Background(), "redis://cache", "", nil)
	require.ErrorContains(t, err, "unsupported store scheme")
}
