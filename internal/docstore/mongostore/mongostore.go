// Package mongostore keeps documents in MongoDB so that several hubs can
// share one store. Pair it with redisbus so that every hub sees the changes
// committed by the others.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petervdpas/counselcall/internal/docstore"
)

var log = logging.Logger("mongostore")

const (
	documentsCollName = "documents"
	countersCollName  = "counters"
	seqCounterID      = "doc_seq"

	pathField       = "_id"
	collectionField = "collection"
	versionField    = "version"
	seqField        = "seq"
)

// record is the stored form of a document. Data is kept as JSON text so
// that field values round-trip exactly as the engine normalized them.
type record struct {
	Path       string `bson:"_id"`
	Collection string `bson:"collection"`
	DocID      string `bson:"doc_id"`
	Data       string `bson:"data"`
	Version    int64  `bson:"version"`
	Seq        int64  `bson:"seq"`
	CreateTime int64  `bson:"create_time"`
	UpdateTime int64  `bson:"update_time"`
}

func toRecord(d *docstore.Document) (record, error) {
	data, err := json.Marshal(d.Data)
	if err != nil {
		return record{}, fmt.Errorf("encode %s: %w", d.Path, err)
	}
	collection, _ := docstore.Split(d.Path)
	return record{
		Path:       d.Path,
		Collection: collection,
		DocID:      d.ID,
		Data:       string(data),
		Version:    d.Version,
		Seq:        d.Seq,
		CreateTime: d.CreateTime.UnixMilli(),
		UpdateTime: d.UpdateTime.UnixMilli(),
	}, nil
}

func (r record) document() (*docstore.Document, error) {
	d := &docstore.Document{
		Path:       r.Path,
		ID:         r.DocID,
		Version:    r.Version,
		Seq:        r.Seq,
		CreateTime: time.UnixMilli(r.CreateTime),
		UpdateTime: time.UnixMilli(r.UpdateTime),
	}
	if err := json.Unmarshal([]byte(r.Data), &d.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.Path, err)
	}
	if d.Data == nil {
		d.Data = docstore.Fields{}
	}
	return d, nil
}

// Options configures a Backend.
type Options struct {
	URI      string
	Database string
	// Transactions applies each commit inside a MongoDB transaction. It
	// needs a replica set; without it a multi-document commit that loses a
	// race part way through leaves the earlier documents written.
	Transactions bool
}

// Backend is a docstore.Backend over MongoDB.
type Backend struct {
	client   *mongo.Client
	docs     *mongo.Collection
	counters *mongo.Collection
	txn      bool
}

var _ docstore.Backend = (*Backend)(nil)

// Open connects to MongoDB and ensures the indexes exist.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Database == "" {
		opts.Database = "counselcall"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping mongo: %v", docstore.ErrUnavailable, err)
	}
	db := client.Database(opts.Database)
	b := &Backend{
		client:   client,
		docs:     db.Collection(documentsCollName),
		counters: db.Collection(countersCollName),
		txn:      opts.Transactions,
	}
	if _, err := b.docs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: collectionField, Value: 1}, {Key: seqField, Value: 1}}},
	}); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	log.Infof("MONGO: connected to %s", opts.Database)
	return b, nil
}

// Get implements docstore.Backend.
func (b *Backend) Get(ctx context.Context, path string) (*docstore.Document, error) {
	var r record
	err := b.docs.FindOne(ctx, bson.D{{Key: pathField, Value: path}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return r.document()
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]*docstore.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: seqField, Value: 1}})
	cur, err := b.docs.Find(ctx, bson.D{{Key: collectionField, Value: collection}}, opts)
	if err != nil {
		return nil, wrap(err)
	}
	defer cur.Close(ctx)
	var out []*docstore.Document
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, wrap(cur.Err())
}

// Apply implements docstore.Backend.
func (b *Backend) Apply(ctx context.Context, muts []docstore.Mutation) error {
	if !b.txn || len(muts) < 2 {
		return b.apply(ctx, muts)
	}
	sess, err := b.client.StartSession()
	if err != nil {
		return wrap(err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, b.apply(sc, muts)
	})
	return err
}

func (b *Backend) apply(ctx context.Context, muts []docstore.Mutation) error {
	for _, m := range muts {
		if m.Doc == nil {
			res, err := b.docs.DeleteOne(ctx, bson.D{
				{Key: pathField, Value: m.Path},
				{Key: versionField, Value: m.PrevVersion},
			})
			if err != nil {
				return wrap(err)
			}
			if res.DeletedCount == 0 {
				return docstore.ErrConflict
			}
			continue
		}

		r, err := toRecord(m.Doc)
		if err != nil {
			return err
		}
		if m.PrevVersion == 0 {
			if _, err := b.docs.InsertOne(ctx, r); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return docstore.ErrConflict
				}
				return wrap(err)
			}
			continue
		}
		res, err := b.docs.ReplaceOne(ctx, bson.D{
			{Key: pathField, Value: m.Path},
			{Key: versionField, Value: m.PrevVersion},
		}, r)
		if err != nil {
			return wrap(err)
		}
		if res.MatchedCount == 0 {
			return docstore.ErrConflict
		}
	}
	return nil
}

// NextSeq implements docstore.Backend.
func (b *Backend) NextSeq(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var out struct {
		Value int64 `bson:"value"`
	}
	err := b.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: seqCounterID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		opts,
	).Decode(&out)
	if err != nil {
		return 0, wrap(err)
	}
	return out.Value, nil
}

// Close disconnects the client.
func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	}
	return err
}
