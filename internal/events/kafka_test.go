package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
	deadline bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "vendor-import-runs", time.Second)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	err := p.Publish(context.Background(), Event{
		Type:      TypeImportCompleted,
		RunID:     42,
		Filename:  "vendors.csv",
		Status:    "completed",
		TotalRows: 3,
		Processed: 3,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, TypeImportCompleted, header(msg, "event-type"))
	assert.Equal(t, Source, header(msg, "source"))
	assert.True(t, w.deadline, "publish should be bounded by the timeout")

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, int64(42), got.RunID)
	assert.Equal(t, 3, got.Processed)
	assert.True(t, fixed.Equal(got.Timestamp))
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w, "vendor-import-runs", 0)

	err := p.Publish(context.Background(), Event{Type: TypeImportFailed, RunID: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import.failed")
	assert.Contains(t, err.Error(), "broker down")
	assert.False(t, w.deadline)
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewKafkaPublisher(w, "t", 0).Close())
	assert.True(t, w.closed)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeImportStarted}))
	assert.NoError(t, p.Close())
}
