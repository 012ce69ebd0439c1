package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/storefront/webhooks/internal/pkg/env"
)

func TestMongoSink_StoreReplacesByEventID(t *testing.T) {
	uri := env.GetEnv("MONGODB_URI", "")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}

	ctx := context.Background()
	coll := fmt.Sprintf("archive_test_%d", time.Now().UnixNano())
	sink, err := NewMongoSink(ctx, uri, "storefront_test", coll)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sink.collection.Drop(context.Background())
		_ = sink.Close()
	})

	rec := Record{EventID: "evt_1", Type: "invoice.paid", DeliveryID: "d1", Body: `{"id":"evt_1"}`}
	require.NoError(t, sink.Store(ctx, rec))
	rec.DeliveryID = "d2"
	require.NoError(t, sink.Store(ctx, rec))

	n, err := sink.collection.CountDocuments(ctx, bson.M{"event_id": "evt_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got Record
	require.NoError(t, sink.collection.FindOne(ctx, bson.M{"event_id": "evt_1"}).Decode(&got))
	assert.Equal(t, "d2", got.DeliveryID)
}
