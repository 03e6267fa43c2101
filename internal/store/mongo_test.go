// ABOUTME: Tests for the MongoDB store against a live server
// ABOUTME: Skipped unless PARLEY_TEST_MONGO_URI points at a reachable MongoDB

package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setupMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("PARLEY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PARLEY_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// One throwaway database per test
	dbName := "parley_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	store, err := NewMongoStore(ctx, uri, dbName)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.db.Drop(context.Background())
		store.Close()
	})
	return store
}

func TestMongoStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return setupMongoStore(t)
	})
}
