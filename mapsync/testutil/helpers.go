package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// WaitForCondition polls cond until it returns true or the timeout expires.
func WaitForCondition(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// SetupTestDB connects to the MongoDB instance named by MONGODB_URI and
// returns a uniquely named database plus its cleanup function. Tests are
// skipped when MONGODB_URI is unset.
func SetupTestDB(t *testing.T) (*mongo.Client, *mongo.Database, func()) {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping MongoDB-backed test")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	dbName := fmt.Sprintf("mapsync_test_%d", time.Now().UnixNano())
	db := client.Database(dbName)

	cleanup := func() {
		assert.NoError(t, db.Drop(ctx))
		assert.NoError(t, client.Disconnect(ctx))
	}
	return client, db, cleanup
}

// TestMainWithLogLevel is a drop-in TestMain body wiring the -loglevel flag:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMainWithLogLevel(m)
//	}
func TestMainWithLogLevel(m *testing.M) {
	SetLogLevelFromFlag()
	os.Exit(m.Run())
}
