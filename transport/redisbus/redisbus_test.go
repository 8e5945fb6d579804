package redisbus_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/transport"
	"goa.design/eventa/transport/redisbus"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container

	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container

	skipRedis bool
	skipMongo bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("docker not available for redis, skipping: %v\n", r)
				skipRedis = true
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		var err error
		testRedisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			fmt.Printf("docker not available for redis, skipping: %v\n", err)
			skipRedis = true
			return
		}
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipRedis = true
			return
		}
		port, err := testRedisContainer.MappedPort(ctx, "6379")
		if err != nil {
			skipRedis = true
			return
		}
		testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
		if err := testRedisClient.Ping(ctx).Err(); err != nil {
			skipRedis = true
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("docker not available for mongo, skipping: %v\n", r)
				skipMongo = true
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		var err error
		testMongoContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			fmt.Printf("docker not available for mongo, skipping: %v\n", err)
			skipMongo = true
			return
		}
		host, err := testMongoContainer.Host(ctx)
		if err != nil {
			skipMongo = true
			return
		}
		port, err := testMongoContainer.MappedPort(ctx, "27017")
		if err != nil {
			skipMongo = true
			return
		}
		uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
		testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			skipMongo = true
			return
		}
		if err := testMongoClient.Ping(ctx, nil); err != nil {
			skipMongo = true
		}
	}()

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(context.Background())
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipRedis {
		t.Skip("docker not available, skipping redisbus integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

// TestAdaptersOnSharedChannelExchangeFrames mirrors spec.md §4.8's "any two
// eventa processes sharing one channel form one logical bus": two Adapters
// subscribed to the same channel each see the other's publish.
func TestAdaptersOnSharedChannelExchangeFrames(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	channel := "eventa-test-" + t.Name()

	a, err := redisbus.New(ctx, redisbus.Config{Client: rdb, Channel: channel})
	require.NoError(t, err)
	defer a.Close()

	b, err := redisbus.New(ctx, redisbus.Config{Client: rdb, Channel: channel})
	require.NoError(t, err)
	defer b.Close()

	frame := transport.Frame{ID: "1", Descriptor: "greet", Body: []byte(`{"name":"alice"}`)}
	require.NoError(t, a.Publish(ctx, frame))

	select {
	case got := <-b.Inbound():
		assert.Equal(t, frame.Descriptor, got.Descriptor)
		assert.JSONEq(t, string(frame.Body), string(got.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("b never observed a's published frame")
	}
}

func TestAdapterCloseStopsDeliveringInbound(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	channel := "eventa-test-" + t.Name()

	a, err := redisbus.New(ctx, redisbus.Config{Client: rdb, Channel: channel})
	require.NoError(t, err)

	require.NoError(t, a.Close())

	select {
	case _, ok := <-a.Inbound():
		assert.False(t, ok, "inbound channel must be closed once the adapter is closed")
	case <-time.After(5 * time.Second):
		t.Fatal("inbound channel was never closed after Close")
	}
}
