// Package redis stores device sessions in Redis so several transport nodes
// can share them.
//
// Layout under the key prefix:
//   - device:<endpoint>  JSON encoded session
//   - reg:<id>           endpoint holding registration id
//   - devices            set of endpoints
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/config"
)

const (
	defaultKeyPrefix = "lwm2m:"
	maxTxRetries     = 10
)

// Store implements Redis storage
type Store struct {
	client  goredis.UniversalClient
	devices *DeviceStore
}

// NewStore connects to Redis and verifies the connection
func NewStore(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return newStore(client, cfg.KeyPrefix), nil
}

func newStore(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		client: client,
		devices: &DeviceStore{
			client: client,
			prefix: prefix,
			now:    time.Now,
		},
	}
}

func (s *Store) Devices() storage.DeviceStore { return s.devices }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// DeviceStore implements device session storage in Redis
type DeviceStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

func (s *DeviceStore) deviceKey(endpoint string) string {
	return s.prefix + "device:" + endpoint
}

func (s *DeviceStore) regKey(registrationID string) string {
	return s.prefix + "reg:" + registrationID
}

func (s *DeviceStore) setKey() string {
	return s.prefix + "devices"
}

func (s *DeviceStore) Upsert(ctx context.Context, session *domain.DeviceSession) error {
	if err := domain.ValidateEndpointName(session.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if session.RegistrationID == "" {
		return fmt.Errorf("%w: registration id is required", storage.ErrInvalidInput)
	}

	stored := session.Clone()
	if stored.Observations == nil {
		stored.Observations = []string{}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	key := s.deviceKey(session.Endpoint)
	return s.transact(ctx, func(tx *goredis.Tx) error {
		prev, err := s.load(ctx, tx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if prev != nil && prev.RegistrationID != session.RegistrationID {
				pipe.Del(ctx, s.regKey(prev.RegistrationID))
			}
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, s.regKey(session.RegistrationID), session.Endpoint, 0)
			pipe.SAdd(ctx, s.setKey(), session.Endpoint)
			return nil
		})
		return err
	}, key)
}

func (s *DeviceStore) GetByEndpoint(ctx context.Context, endpoint string) (*domain.DeviceSession, error) {
	return s.load(ctx, s.client, s.deviceKey(endpoint))
}

func (s *DeviceStore) GetByRegistrationID(ctx context.Context, registrationID string) (*domain.DeviceSession, error) {
	endpoint, err := s.client.Get(ctx, s.regKey(registrationID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	session, err := s.load(ctx, s.client, s.deviceKey(endpoint))
	if err != nil {
		return nil, err
	}
	if session.RegistrationID != registrationID {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

func (s *DeviceStore) GetAll(ctx context.Context) ([]*domain.DeviceSession, error) {
	endpoints, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	if len(endpoints) == 0 {
		return []*domain.DeviceSession{}, nil
	}

	keys := make([]string, len(endpoints))
	for i, ep := range endpoints {
		keys[i] = s.deviceKey(ep)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	sessions := make([]*domain.DeviceSession, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		var session domain.DeviceSession
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
		}
		sessions = append(sessions, &session)
	}

	slices.SortFunc(sessions, func(a, b *domain.DeviceSession) int {
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return sessions, nil
}

func (s *DeviceStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.setKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return n, nil
}

func (s *DeviceStore) Update(ctx context.Context, registrationID string, update domain.SessionUpdate) error {
	return s.mutate(ctx, registrationID, func(session *domain.DeviceSession) {
		update.Apply(session, s.now())
	})
}

func (s *DeviceStore) SetPresence(ctx context.Context, registrationID string, presence domain.Presence) error {
	return s.mutate(ctx, registrationID, func(session *domain.DeviceSession) {
		session.Presence = presence
		session.LastSeen = s.now()
	})
}

func (s *DeviceStore) AddObservation(ctx context.Context, registrationID, path string) error {
	return s.mutate(ctx, registrationID, func(session *domain.DeviceSession) {
		if !slices.Contains(session.Observations, path) {
			session.Observations = append(session.Observations, path)
		}
	})
}

func (s *DeviceStore) RemoveObservation(ctx context.Context, registrationID, path string) error {
	return s.mutate(ctx, registrationID, func(session *domain.DeviceSession) {
		session.Observations = slices.DeleteFunc(session.Observations, func(p string) bool { return p == path })
	})
}

func (s *DeviceStore) RecordObservation(ctx context.Context, registrationID string, record domain.ObservationRecord) error {
	return s.mutate(ctx, registrationID, func(session *domain.DeviceSession) {
		session.LastObservation = &record
		session.LastSeen = s.now()
	})
}

func (s *DeviceStore) Delete(ctx context.Context, registrationID string) error {
	regKey := s.regKey(registrationID)
	return s.transact(ctx, func(tx *goredis.Tx) error {
		endpoint, err := tx.Get(ctx, regKey).Result()
		if errors.Is(err, goredis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, regKey, s.deviceKey(endpoint))
			pipe.SRem(ctx, s.setKey(), endpoint)
			return nil
		})
		return err
	}, regKey)
}

// mutate applies fn to the session holding registrationID under an
// optimistic transaction
func (s *DeviceStore) mutate(ctx context.Context, registrationID string, fn func(*domain.DeviceSession)) error {
	endpoint, err := s.client.Get(ctx, s.regKey(registrationID)).Result()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	key := s.deviceKey(endpoint)
	return s.transact(ctx, func(tx *goredis.Tx) error {
		session, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if session.RegistrationID != registrationID {
			return storage.ErrNotFound
		}

		fn(session)
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// transact runs fn with WATCH on keys, retrying when a watched key changed
func (s *DeviceStore) transact(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidInput) && !errors.Is(err, storage.ErrDatabase) {
			return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
		}
		return err
	}
	return fmt.Errorf("%w: transaction retries exhausted", storage.ErrDatabase)
}

// getter is satisfied by both the client and a WATCH transaction
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *DeviceStore) load(ctx context.Context, c getter, key string) (*domain.DeviceSession, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	var session domain.DeviceSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return &session, nil
}
