package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB is a data source backed by a MongoDB deployment.
//
// The query text is a database command in MongoDB Extended JSON, for example
// {"find": "fires", "filter": {"state": "CA"}, "limit": 10} or
// {"aggregate": "fires", "pipeline": [...], "cursor": {}}.
// Cursor replies yield one row per document; other replies yield one row
// holding the reply document.
type MongoDB struct {
	base
}

// Execute runs the command on a new client that is disconnected before return.
func (m *MongoDB) Execute(ctx context.Context, query string, _ ...any) (Rows, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &cmd); err != nil {
		return nil, m.fail(fmt.Errorf("query must be a JSON command document: %w", err))
	}
	if len(cmd) == 0 {
		return nil, m.fail(errors.New("empty command document"))
	}

	opts := options.Client().
		ApplyURI(m.uri()).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout).
		SetMaxPoolSize(1)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, m.fail(fmt.Errorf("failed to connect: %w", err))
	}
	defer func() { _ = client.Disconnect(context.WithoutCancel(ctx)) }()

	var reply bson.M
	if err := client.Database(m.rec.Database).RunCommand(ctx, cmd).Decode(&reply); err != nil {
		return nil, m.fail(fmt.Errorf("failed to run command: %w", err))
	}

	return commandRows(reply), nil
}

func (m *MongoDB) uri() string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(m.rec.Host, m.rec.Port),
		Path:   "/",
	}
	if m.rec.Username != "" {
		u.User = url.UserPassword(m.rec.Username, m.rec.Password)
	}
	return u.String()
}

// commandRows flattens a command reply into rows.
func commandRows(reply bson.M) Rows {
	if cursor, ok := asMap(reply["cursor"]); ok {
		if batch, ok := cursor["firstBatch"].(primitive.A); ok {
			rows := make(Rows, 0, len(batch))
			for _, doc := range batch {
				rows = append(rows, []any{plainValue(doc)})
			}
			return rows
		}
	}
	return Rows{{plainValue(reply)}}
}

func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case bson.M:
		return val, true
	case map[string]any:
		return val, true
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// plainValue converts driver document types into ordered Meta, maps and
// slices that encode cleanly to JSON.
func plainValue(v any) any {
	switch val := v.(type) {
	case bson.D:
		meta := make(Meta, 0, len(val))
		for _, e := range val {
			meta = append(meta, MetaEntry{Key: e.Key, Value: plainValue(e.Value)})
		}
		return meta
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plainValue(item)
		}
		return out
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plainValue(item)
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	default:
		return v
	}
}

// metaFromDocument converts a document to Meta, dropping the _id key.
func metaFromDocument(doc bson.D) Meta {
	meta := make(Meta, 0, len(doc))
	for _, e := range doc {
		if e.Key == "_id" {
			continue
		}
		meta = append(meta, MetaEntry{Key: e.Key, Value: plainValue(e.Value)})
	}
	return meta
}

var _ DataSource = (*MongoDB)(nil)
