package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/model"
)

func TestNotifier_DeliversPerJob(t *testing.T) {
	n := NewNotifier(4)
	events, unsubscribe := n.Subscribe("job-1")
	other, unsubscribeOther := n.Subscribe("job-2")
	defer unsubscribeOther()

	n.Publish(&model.ParseJob{ID: "job-1", Status: model.JobProcessing, Payload: []byte("big")})

	got := <-events
	assert.Equal(t, model.JobProcessing, got.Status)
	assert.Nil(t, got.Payload)
	assert.Empty(t, other)

	unsubscribe()
	_, open := <-events
	assert.False(t, open)

	// Unsubscribing twice and publishing afterwards are both harmless.
	unsubscribe()
	n.Publish(&model.ParseJob{ID: "job-1"})
}

func TestNotifier_SlowSubscriberKeepsLatest(t *testing.T) {
	n := NewNotifier(1)
	events, unsubscribe := n.Subscribe("job")
	defer unsubscribe()

	n.Publish(&model.ParseJob{ID: "job", Status: model.JobPending})
	n.Publish(&model.ParseJob{ID: "job", Status: model.JobProcessing})
	n.Publish(&model.ParseJob{ID: "job", Status: model.JobCompleted})

	require.Len(t, events, 1)
	assert.Equal(t, model.JobCompleted, (<-events).Status)
}
