package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := json.Marshal(Event{Type: TypeClaimed, Domain: "ride", RequestID: "r1", PartnerID: "A", At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request.claimed","domain":"ride","request_id":"r1","partner_id":"A","at":"2024-03-01T10:00:00Z"}`, string(b))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Event{Type: TypeClaimed}))
	require.NoError(t, r.Publish(ctx, Event{Type: TypeStatus, Status: "arrived"}))
	assert.Equal(t, []string{TypeClaimed, TypeStatus}, r.Types())
	assert.Len(t, r.Events(), 2)
	assert.NoError(t, Nop{}.Publish(ctx, Event{}))
}

func TestKafkaPublisherCloseWithoutWriter(t *testing.T) {
	var k KafkaPublisher
	assert.NoError(t, k.Close())
}
