package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/config"
)

func getTestMongoURI() string {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	return uri
}

func skipIfNoMongo(t *testing.T) *Store {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := &config.MongoDBConfig{
		URI:      getTestMongoURI(),
		Database: "lwm2m_transport_test",
		Timeout:  5,
	}

	store, err := NewStore(ctx, cfg)
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
		return nil
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_ = store.database.Drop(ctx)
		_ = store.Close()
	})

	return store
}

func newSession(endpoint, regID string) *domain.DeviceSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.DeviceSession{
		Endpoint:       endpoint,
		RegistrationID: regID,
		Instance:       "cert",
		SecurityMode:   "x509",
		Address:        "192.0.2.1:5684",
		LifetimeSecs:   86400,
		Presence:       domain.PresenceAwake,
		RegisteredAt:   now,
		LastSeen:       now,
	}
}

func TestStore_Ping(t *testing.T) {
	store := skipIfNoMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, store.Ping(ctx))
}

func TestDeviceStore_Lifecycle(t *testing.T) {
	store := skipIfNoMongo(t)
	ctx := context.Background()
	devices := store.Devices()

	require.NoError(t, devices.Upsert(ctx, newSession("dev-1", "reg-1")))

	got, err := devices.GetByEndpoint(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "reg-1", got.RegistrationID)
	assert.Empty(t, got.Observations)

	require.NoError(t, devices.Update(ctx, "reg-1", domain.SessionUpdate{Binding: "UQ"}))
	require.NoError(t, devices.SetPresence(ctx, "reg-1", domain.PresenceSleeping))
	require.NoError(t, devices.AddObservation(ctx, "reg-1", "/3/0/9"))
	require.NoError(t, devices.AddObservation(ctx, "reg-1", "/3/0/9"))
	require.NoError(t, devices.AddObservation(ctx, "reg-1", "/3/0/7"))
	require.NoError(t, devices.RemoveObservation(ctx, "reg-1", "/3/0/7"))
	require.NoError(t, devices.RecordObservation(ctx, "reg-1", domain.ObservationRecord{
		Path: "/3/0/9", Code: "2.05", Payload: []byte("87"), ReceivedAt: time.Now().UTC(),
	}))

	got, err = devices.GetByRegistrationID(ctx, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, "UQ", got.Binding)
	assert.Equal(t, domain.PresenceSleeping, got.Presence)
	assert.Equal(t, []string{"/3/0/9"}, got.Observations)
	require.NotNil(t, got.LastObservation)
	assert.Equal(t, []byte("87"), got.LastObservation.Payload)

	count, err := devices.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, devices.Delete(ctx, "reg-1"))
	_, err = devices.GetByEndpoint(ctx, "dev-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceStore_ReRegistrationSupersedes(t *testing.T) {
	store := skipIfNoMongo(t)
	ctx := context.Background()
	devices := store.Devices()

	require.NoError(t, devices.Upsert(ctx, newSession("dev-1", "reg-old")))
	require.NoError(t, devices.Upsert(ctx, newSession("dev-1", "reg-new")))

	assert.ErrorIs(t, devices.Delete(ctx, "reg-old"), storage.ErrNotFound)
	assert.ErrorIs(t, devices.SetPresence(ctx, "reg-old", domain.PresenceAwake), storage.ErrNotFound)

	all, err := devices.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "reg-new", all[0].RegistrationID)
}

func TestDeviceStore_UpsertValidates(t *testing.T) {
	store := skipIfNoMongo(t)

	err := store.Devices().Upsert(context.Background(), newSession("", "reg"))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
