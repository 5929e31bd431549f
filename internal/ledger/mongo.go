package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/opensource-finance/merlin/internal/domain"
)

const mongoCollection = "transactions"

// MongoLedger implements domain.Ledger on a MongoDB collection.
type MongoLedger struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoRecord struct {
	ID               string    `bson:"_id"`
	UserID           string    `bson:"user_id"`
	Amount           float64   `bson:"amount"`
	Location         string    `bson:"location"`
	MerchantCategory string    `bson:"merchant_category"`
	Timestamp        time.Time `bson:"timestamp"`
	RiskLevel        string    `bson:"risk_level"`
	Reasons          []string  `bson:"reasons"`
	MLScore          *float64  `bson:"ml_score"`
	IsFlagged        bool      `bson:"is_flagged"`
	CreatedAt        time.Time `bson:"created_at"`
}

func (r *mongoRecord) toDomain() *domain.Record {
	rec := &domain.Record{
		Transaction: domain.Transaction{
			ID:               r.ID,
			UserID:           r.UserID,
			Amount:           r.Amount,
			Location:         r.Location,
			MerchantCategory: r.MerchantCategory,
			Timestamp:        r.Timestamp.UTC(),
		},
		RiskLevel: domain.RiskLevel(r.RiskLevel),
		Reasons:   r.Reasons,
		MLScore:   r.MLScore,
		IsFlagged: r.IsFlagged,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if rec.Reasons == nil {
		rec.Reasons = []string{}
	}
	return rec
}

// NewMongo connects to MongoDB and ensures the ledger indexes exist.
func NewMongo(ctx context.Context, cfg domain.LedgerConfig) (*MongoLedger, error) {
	if cfg.MongoHost == "" {
		return nil, fmt.Errorf("mongo host is required")
	}
	port := cfg.MongoPort
	if port == 0 {
		port = 27017
	}
	dbName := cfg.MongoDBName
	if dbName == "" {
		dbName = "fraud_detection"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	uri := fmt.Sprintf("mongodb://%s:%d", cfg.MongoHost, port)
	opts := options.Client().ApplyURI(uri)
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return NewMongoWithClient(connectCtx, client, dbName)
}

// NewMongoWithClient wraps an existing client, using the given database.
func NewMongoWithClient(ctx context.Context, client *mongo.Client, dbName string) (*MongoLedger, error) {
	coll := client.Database(dbName).Collection(mongoCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_flagged", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoLedger{client: client, coll: coll}, nil
}

// Insert stores a transaction with its decision and returns the persisted record.
func (m *MongoLedger) Insert(ctx context.Context, tx *domain.Transaction, d *domain.Decision) (*domain.Record, error) {
	rec, err := newRecord(tx, d)
	if err != nil {
		return nil, err
	}

	doc := mongoRecord{
		ID:               rec.ID,
		UserID:           rec.UserID,
		Amount:           rec.Amount,
		Location:         rec.Location,
		MerchantCategory: rec.MerchantCategory,
		Timestamp:        rec.Timestamp,
		RiskLevel:        string(rec.RiskLevel),
		Reasons:          rec.Reasons,
		MLScore:          rec.MLScore,
		IsFlagged:        rec.IsFlagged,
		CreatedAt:        rec.CreatedAt,
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("%w: insert: %w", domain.ErrLedgerUnavailable, err)
	}
	return rec, nil
}

// QueryFlagged returns a user's flagged records, most recent first.
func (m *MongoLedger) QueryFlagged(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	filter := bson.D{{Key: "user_id", Value: userID}, {Key: "is_flagged", Value: true}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	docs, err := m.find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: query flagged: %w", domain.ErrLedgerUnavailable, err)
	}

	records := make([]*domain.Record, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].toDomain())
	}
	return records, nil
}

// QueryHistory returns a user's transactions at or after since, oldest first.
func (m *MongoLedger) QueryHistory(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	filter := bson.D{{Key: "user_id", Value: userID}}
	if !since.IsZero() {
		filter = append(filter, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "created_at", Value: 1}})

	docs, err := m.find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", domain.ErrLedgerUnavailable, err)
	}

	txs := make([]*domain.Transaction, 0, len(docs))
	for i := range docs {
		rec := docs[i].toDomain()
		txs = append(txs, &rec.Transaction)
	}
	return txs, nil
}

// ListUsers returns every user with at least one transaction, sorted.
func (m *MongoLedger) ListUsers(ctx context.Context) ([]string, error) {
	values, err := m.coll.Distinct(ctx, "user_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", domain.ErrLedgerUnavailable, err)
	}

	users := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			users = append(users, s)
		}
	}
	slices.Sort(users)
	return users, nil
}

// Ping checks connectivity to the primary.
func (m *MongoLedger) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoLedger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoLedger) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]mongoRecord, error) {
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
