package presence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoConnectTimeout   = 10 * time.Second
	mongoOperationTimeout = 5 * time.Second
	collectionUsers       = "presence_users"
	collectionSideChannel = "presence_side_channel"
)

// MongoStore is a MongoDB-backed presence.Client, grounded on
// Sirpyerre-99minutos-shipping-api/internal/infrastructure/db/mongo.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	side   *mongo.Collection
	now    func() time.Time
}

// NewMongoStore connects to uri/database and verifies connectivity with a
// ping.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("presence: mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("presence: mongo ping: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client: client,
		users:  db.Collection(collectionUsers),
		side:   db.Collection(collectionSideChannel),
		now:    time.Now,
	}, nil
}

// MarkOnline implements presence.Client.
func (s *MongoStore) MarkOnline(ctx context.Context, input MarkOnlineInput, rolesToPersist []string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	nowMs := s.now().UnixMilli()
	set := bson.M{
		"name":         input.Name,
		"account_type": input.AccountType,
		"ip":           input.IP,
		"online":       true,
		"last_seen":    nowMs,
	}
	if rolesToPersist != nil {
		set["roles"] = rolesToPersist
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"uuid": input.UUID, "last_join": nowMs},
	}
	if rolesToPersist == nil {
		update["$setOnInsert"].(bson.M)["roles"] = input.Roles
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"uuid": input.UUID}, update, options.Update().SetUpsert(true))
	return err
}

// MarkOffline implements presence.Client.
func (s *MongoStore) MarkOffline(ctx context.Context, uuid string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	nowMs := s.now().UnixMilli()
	update := bson.M{
		"$set": bson.M{"online": false, "last_leave": nowMs},
		"$setOnInsert": bson.M{
			"uuid":         uuid,
			"account_type": "LOCAL",
			"roles":        []string{"MEMBER"},
		},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"uuid": uuid}, update, options.Update().SetUpsert(true))
	return err
}

// UpdateLastSeen implements presence.Client.
func (s *MongoStore) UpdateLastSeen(ctx context.Context, uuid string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	nowMs := s.now().UnixMilli()
	update := bson.M{
		"$set": bson.M{"online": true, "last_seen": nowMs},
		"$setOnInsert": bson.M{
			"uuid":         uuid,
			"account_type": "LOCAL",
			"roles":        []string{"MEMBER"},
		},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"uuid": uuid}, update, options.Update().SetUpsert(true))
	return err
}

// UpdateRoles implements presence.Client.
func (s *MongoStore) UpdateRoles(ctx context.Context, uuid string, roles []string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	update := bson.M{
		"$set":         bson.M{"roles": roles},
		"$setOnInsert": bson.M{"uuid": uuid, "account_type": "LOCAL", "online": false},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"uuid": uuid}, update, options.Update().SetUpsert(true))
	return err
}

// FetchRoles implements presence.Client.
func (s *MongoStore) FetchRoles(ctx context.Context, uuid string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var record Record
	err := s.users.FindOne(ctx, bson.M{"uuid": uuid}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(record.Roles) == 0 {
		return nil, nil
	}
	return record.Roles, nil
}

// FetchOnlineUsers implements presence.Client.
func (s *MongoStore) FetchOnlineUsers(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.users.Find(ctx, bson.M{"online": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CountOnlineUsers implements presence.Client.
func (s *MongoStore) CountOnlineUsers(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	count, err := s.users.CountDocuments(ctx, bson.M{"online": true})
	return int(count), err
}

// PutSideChannel implements presence.Client.
func (s *MongoStore) PutSideChannel(ctx context.Context, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{"payload": payload, "updated_at": s.now().UnixMilli()}}
	_, err := s.side.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	return err
}

// GetSideChannel implements presence.Client.
func (s *MongoStore) GetSideChannel(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var doc struct {
		Payload []byte `bson:"payload"`
	}
	err := s.side.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Payload, nil
}

// Close implements presence.Client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
