package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
)

// DeviceStore implements MongoDB device session storage
type DeviceStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

func (s *DeviceStore) Upsert(ctx context.Context, session *domain.DeviceSession) error {
	if err := domain.ValidateEndpointName(session.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if session.RegistrationID == "" {
		return fmt.Errorf("%w: registration id is required", storage.ErrInvalidInput)
	}

	doc := session.Clone()
	if doc.Observations == nil {
		doc.Observations = []string{}
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": doc.Endpoint},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert device session: %v", storage.ErrDatabase, err)
	}
	return nil
}

func (s *DeviceStore) GetByEndpoint(ctx context.Context, endpoint string) (*domain.DeviceSession, error) {
	return s.findOne(ctx, bson.M{"_id": endpoint})
}

func (s *DeviceStore) GetByRegistrationID(ctx context.Context, registrationID string) (*domain.DeviceSession, error) {
	return s.findOne(ctx, bson.M{"registration_id": registrationID})
}

func (s *DeviceStore) findOne(ctx context.Context, filter bson.M) (*domain.DeviceSession, error) {
	var session domain.DeviceSession
	err := s.collection.FindOne(ctx, filter).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get device session: %v", storage.ErrDatabase, err)
	}
	return &session, nil
}

func (s *DeviceStore) GetAll(ctx context.Context) ([]*domain.DeviceSession, error) {
	cursor, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get device sessions: %v", storage.ErrDatabase, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	sessions := []*domain.DeviceSession{}
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("%w: failed to decode device sessions: %v", storage.ErrDatabase, err)
	}
	return sessions, nil
}

func (s *DeviceStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count device sessions: %v", storage.ErrDatabase, err)
	}
	return n, nil
}

func (s *DeviceStore) Update(ctx context.Context, registrationID string, update domain.SessionUpdate) error {
	set := bson.M{"last_seen": s.now()}
	if update.Address != "" {
		set["address"] = update.Address
	}
	if update.Binding != "" {
		set["binding"] = update.Binding
	}
	if update.LifetimeSecs > 0 {
		set["lifetime_seconds"] = update.LifetimeSecs
	}
	if len(update.ObjectLinks) > 0 {
		set["object_links"] = update.ObjectLinks
	}
	return s.updateOne(ctx, registrationID, bson.M{"$set": set})
}

func (s *DeviceStore) SetPresence(ctx context.Context, registrationID string, presence domain.Presence) error {
	return s.updateOne(ctx, registrationID, bson.M{"$set": bson.M{
		"presence":  presence,
		"last_seen": s.now(),
	}})
}

func (s *DeviceStore) AddObservation(ctx context.Context, registrationID, path string) error {
	return s.updateOne(ctx, registrationID, bson.M{"$addToSet": bson.M{"observations": path}})
}

func (s *DeviceStore) RemoveObservation(ctx context.Context, registrationID, path string) error {
	return s.updateOne(ctx, registrationID, bson.M{"$pull": bson.M{"observations": path}})
}

func (s *DeviceStore) RecordObservation(ctx context.Context, registrationID string, record domain.ObservationRecord) error {
	return s.updateOne(ctx, registrationID, bson.M{"$set": bson.M{
		"last_observation": record,
		"last_seen":        s.now(),
	}})
}

func (s *DeviceStore) Delete(ctx context.Context, registrationID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"registration_id": registrationID})
	if err != nil {
		return fmt.Errorf("%w: failed to delete device session: %v", storage.ErrDatabase, err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) updateOne(ctx context.Context, registrationID string, update bson.M) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"registration_id": registrationID}, update)
	if err != nil {
		return fmt.Errorf("%w: failed to update device session: %v", storage.ErrDatabase, err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}
