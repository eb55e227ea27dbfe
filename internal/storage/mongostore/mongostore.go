// Package mongostore keeps leases and actions in MongoDB. A lease claim is
// a filtered upsert on _id: when the filter misses an existing document the
// upsert collides on _id and the duplicate key error means "not ours".
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type Store struct {
	client  *mongo.Client
	leases  *mongo.Collection
	actions *mongo.Collection
	log     logx.Logger
}

func Open(ctx context.Context, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "relaybot"
	}
	st := New(client, client.Database(dbName), cfg, log)
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

// New uses an existing client; Close disconnects it.
func New(client *mongo.Client, db *mongo.Database, cfg storage.Config, log logx.Logger) *Store {
	return &Store{
		client:  client,
		leases:  db.Collection(cfg.Table("leases")),
		actions: db.Collection(cfg.Table("actions")),
		log:     log.Or(),
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.actions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "lockId", Value: 1}, {Key: "doneAt", Value: 1}, {Key: "requestedAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("actions index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) ClaimLease(ctx context.Context, c storage.LeaseClaim) (bool, error) {
	l := c.Record()
	filter := bson.M{
		"_id": c.ID,
		"$or": bson.A{
			bson.M{"holderId": c.HolderID},
			bson.M{"lastSeenAt": bson.M{"$lt": c.StaleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"holderId":   l.HolderID,
		"host":       l.Host,
		"pid":        l.PID,
		"state":      string(l.State),
		"startedAt":  l.StartedAt,
		"lastSeenAt": l.LastSeenAt,
	}}
	res, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.MatchedCount+res.UpsertedCount > 0, nil
}

func (s *Store) UpdateLease(ctx context.Context, id, holderID string, u storage.LeaseUpdate) (int64, error) {
	filter := bson.M{"_id": id, "holderId": holderID}
	set := bson.M{}
	if u.State != "" {
		set["state"] = string(u.State)
	}
	if !u.LastSeenAt.IsZero() {
		set["lastSeenAt"] = u.LastSeenAt
	}
	if len(set) == 0 {
		return s.leases.CountDocuments(ctx, filter)
	}
	res, err := s.leases.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (s *Store) DeleteLease(ctx context.Context, id, holderID string) (int64, error) {
	filter := bson.M{"_id": id}
	if holderID != "" {
		filter["holderId"] = holderID
	}
	res, err := s.leases.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) ReadLease(ctx context.Context, id string) (storage.Lease, error) {
	var l storage.Lease
	err := s.leases.FindOne(ctx, bson.M{"_id": id}).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Lease{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Lease{}, err
	}
	l.StartedAt = l.StartedAt.UTC()
	l.LastSeenAt = l.LastSeenAt.UTC()
	return l, nil
}

func (s *Store) InsertAction(ctx context.Context, a storage.Action) error {
	doc := bson.M{
		"_id":         a.ID,
		"lockId":      a.LockID,
		"action":      string(a.Kind),
		"reason":      a.Reason,
		"requestedBy": a.RequestedBy,
		"requestedAt": a.RequestedAt,
		"doneAt":      nil,
	}
	_, err := s.actions.InsertOne(ctx, doc)
	return err
}

// actionDoc mirrors storage.Action with a nullable doneAt.
type actionDoc struct {
	ID          string     `bson:"_id"`
	LockID      string     `bson:"lockId"`
	Action      string     `bson:"action"`
	Reason      string     `bson:"reason"`
	RequestedBy string     `bson:"requestedBy"`
	RequestedAt time.Time  `bson:"requestedAt"`
	DoneAt      *time.Time `bson:"doneAt"`
	DoneBy      string     `bson:"doneBy"`
	Result      string     `bson:"result"`
}

func (d actionDoc) action() storage.Action {
	a := storage.Action{
		ID:          d.ID,
		LockID:      d.LockID,
		Kind:        storage.ActionKind(d.Action),
		Reason:      d.Reason,
		RequestedBy: d.RequestedBy,
		RequestedAt: d.RequestedAt.UTC(),
		DoneBy:      d.DoneBy,
		Result:      d.Result,
	}
	if d.DoneAt != nil {
		a.DoneAt = d.DoneAt.UTC()
	}
	return a
}

func (s *Store) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (storage.Action, bool, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "requestedAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)
	var d actionDoc
	err := s.actions.FindOneAndUpdate(ctx,
		bson.M{"lockId": lockID, "doneAt": nil},
		bson.M{"$set": bson.M{"doneAt": now, "doneBy": claimant}},
		opts,
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Action{}, false, nil
	}
	if err != nil {
		return storage.Action{}, false, err
	}
	return d.action(), true, nil
}

func (s *Store) MarkAction(ctx context.Context, id, result string) error {
	res, err := s.actions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"result": result}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, lockID string, limit int) ([]storage.Action, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "requestedAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(storage.ClampLimit(limit)))
	cur, err := s.actions.Find(ctx, bson.M{"lockId": lockID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []actionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]storage.Action, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.action())
	}
	return out, nil
}
