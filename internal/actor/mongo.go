package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for the actor directory.
type MongoConfig struct {
	URI        string // e.g. mongodb://localhost:27017
	Database   string // e.g. blockedit
	Collection string // e.g. actors
}

// MongoDirectory implements Resolver on MongoDB backend.
// Documents: {name_lower: string, name: string, actor_id: string(uuid)}.
type MongoDirectory struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type actorDoc struct {
	NameLower string    `bson:"name_lower"`
	Name      string    `bson:"name"`
	ActorID   string    `bson:"actor_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoDirectory establishes connection and returns the directory.
func NewMongoDirectory(cfg MongoConfig) (*MongoDirectory, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "blockedit"
	}
	if cfg.Collection == "" {
		cfg.Collection = "actors"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("MongoDB не отвечает: %w", err)
	}

	d := &MongoDirectory{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := d.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return d, nil
}

func (d *MongoDirectory) ensureIndexes(ctx context.Context) error {
	nameIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "name_lower", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("name_lower_unique"),
	}
	idIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "actor_id", Value: 1}},
		Options: options.Index().SetName("actor_id"),
	}
	_, err := d.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{nameIdx, idIdx})
	return err
}

// ResolveName implements Resolver.
func (d *MongoDirectory) ResolveName(ctx context.Context, name string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ctxTimeout)
	defer cancel()

	var doc actorDoc
	err := d.collection.FindOne(ctx, bson.M{"name_lower": normalize(name)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return uuid.Nil, ErrActorNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("ошибка поиска актора %q: %w", name, err)
	}
	id, err := uuid.Parse(doc.ActorID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("повреждённый actor_id у %q: %w", name, err)
	}
	return id, nil
}

// Register upserts the name -> id mapping.
func (d *MongoDirectory) Register(ctx context.Context, name string, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, d.ctxTimeout)
	defer cancel()
	_, err := d.collection.UpdateOne(ctx,
		bson.M{"name_lower": normalize(name)},
		bson.M{
			"$set":         bson.M{"name": name, "actor_id": id.String()},
			"$setOnInsert": bson.M{"created_at": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("не удалось сохранить актора %q: %w", name, err)
	}
	return nil
}

// Close disconnects the client.
func (d *MongoDirectory) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
