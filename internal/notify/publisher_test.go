package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
	closed        bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishExport(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "thumbgrab")

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.PublishExport(context.Background(), ExportEvent{
		Name: "clip.zip", Kind: "archive", Images: 4, SizeBytes: 2048, ExportedAt: at,
	}))

	assert.Equal(t, "thumbgrab", ch.exchange)
	assert.Equal(t, "thumbnails.exported", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, at, ch.msg.Timestamp)

	var got ExportEvent
	require.NoError(t, json.Unmarshal(ch.msg.Body, &got))
	assert.Equal(t, "clip.zip", got.Name)
	assert.Equal(t, 4, got.Images)
}

func TestPublishExportStampsTime(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, NewPublisher(ch, "").PublishExport(context.Background(), ExportEvent{Name: "a.png"}))
	assert.False(t, ch.msg.Timestamp.IsZero())
}

func TestPublishErrorAndClose(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := NewPublisher(ch, "x")
	assert.Error(t, p.PublishExport(context.Background(), ExportEvent{}))
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
