package backend

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage/memory"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage/mongodb"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage/redis"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory keeps sessions in process (single node, lost on restart)
	TypeMemory Type = "memory"
	// TypeMongoDB persists sessions in MongoDB
	TypeMongoDB Type = "mongodb"
	// TypeRedis shares sessions between nodes through Redis
	TypeRedis Type = "redis"
)

// Backend wraps storage stores with a common interface for lifecycle management
type Backend interface {
	// Devices returns the device session store
	Devices() storage.DeviceStore
	// Type returns the backend type
	Type() Type
	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
	// Close closes the storage connection
	Close() error
}

type memoryBackend struct {
	store *memory.Store
}

func (b *memoryBackend) Devices() storage.DeviceStore   { return b.store.Devices() }
func (b *memoryBackend) Type() Type                     { return TypeMemory }
func (b *memoryBackend) Ping(ctx context.Context) error { return b.store.Ping(ctx) }
func (b *memoryBackend) Close() error                   { return nil }

type mongoBackend struct {
	store *mongodb.Store
}

func (b *mongoBackend) Devices() storage.DeviceStore   { return b.store.Devices() }
func (b *mongoBackend) Type() Type                     { return TypeMongoDB }
func (b *mongoBackend) Ping(ctx context.Context) error { return b.store.Ping(ctx) }
func (b *mongoBackend) Close() error                   { return b.store.Close() }

type redisBackend struct {
	store *redis.Store
}

func (b *redisBackend) Devices() storage.DeviceStore   { return b.store.Devices() }
func (b *redisBackend) Type() Type                     { return TypeRedis }
func (b *redisBackend) Ping(ctx context.Context) error { return b.store.Ping(ctx) }
func (b *redisBackend) Close() error                   { return b.store.Close() }

// New creates a storage backend based on the configuration
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	storageType := Type(cfg.Storage.Type)

	switch storageType {
	case TypeMemory, "":
		return &memoryBackend{store: memory.NewStore()}, nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return &mongoBackend{store: store}, nil

	case TypeRedis:
		store, err := redis.NewStore(ctx, &cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis backend: %w", err)
		}
		return &redisBackend{store: store}, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
