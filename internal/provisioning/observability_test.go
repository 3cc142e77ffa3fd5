package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/tenantplane/internal/events"
)

// MockObserver is a test implementation of Observer that records events.
type MockObserver struct {
	mu     sync.Mutex
	events []Event
	fields map[string]string
}

func NewMockObserver() *MockObserver {
	return &MockObserver{fields: make(map[string]string)}
}

func (m *MockObserver) Event(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *MockObserver) WithFields(fields map[string]string) Observer {
	next := NewMockObserver()
	for k, v := range m.fields {
		next.fields[k] = v
	}
	for k, v := range fields {
		next.fields[k] = v
	}
	return next
}

func (m *MockObserver) count(typ EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	drafts []events.Draft
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, d events.Draft) (events.Event, error) {
	p.drafts = append(p.drafts, d)
	return events.Event{TenantID: d.TenantID, Sequence: int64(len(p.drafts)), Type: d.Type}, p.err
}

func TestEventObserverPublishesCompletedSteps(t *testing.T) {
	inner := NewMockObserver()
	pub := &recordingPublisher{}
	obs := NewEventObserver(context.Background(), inner, pub, "t1", logr.Discard())

	LogStepStart(obs, StepCreateVolume)
	LogStepComplete(obs, StepCreateVolume, StepResult{ID: "42", Name: "tp-t1-data", AlreadyExisted: true}, 0)
	LogStepFailed(obs, StepAddCertificate, errors.New("boom"))

	assert.Equal(t, 1, inner.count(EventStepStarted))
	assert.Equal(t, 1, inner.count(EventStepCompleted))
	assert.Equal(t, 1, inner.count(EventStepFailed))

	require.Len(t, pub.drafts, 1)
	d := pub.drafts[0]
	assert.Equal(t, "t1", d.TenantID)
	assert.Equal(t, events.TypeStepCompleted, d.Type)
	assert.Equal(t, map[string]any{
		"step":            StepCreateVolume,
		"resource_id":     "42",
		"resource_name":   "tp-t1-data",
		"already_existed": true,
	}, d.Payload)
}

func TestEventObserverPublishFailureDoesNotPanic(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("store down")}
	obs := NewEventObserver(context.Background(), NewMockObserver(), pub, "t1", logr.Discard())
	assert.NotPanics(t, func() {
		LogStepComplete(obs, StepCreateApp, StepResult{ID: "1"}, 0)
	})
}

func TestObserverWithFields(t *testing.T) {
	base := NewLogObserver(logr.Discard())
	child, ok := base.WithFields(map[string]string{"tenant": "t1"}).(*LogObserver)
	require.True(t, ok)
	assert.Equal(t, "t1", child.fields["tenant"])
	assert.Empty(t, base.fields, "parent is not modified")

	mock := NewMockObserver()
	eo := NewEventObserver(context.Background(), mock, &recordingPublisher{}, "t1", logr.Discard())
	derived, ok := eo.WithFields(map[string]string{"k": "v"}).(*EventObserver)
	require.True(t, ok)
	assert.Equal(t, "v", derived.inner.(*MockObserver).fields["k"])
}

func TestLogObserverHandlesAllEventTypes(t *testing.T) {
	obs := NewLogObserver(logr.Discard())
	assert.NotPanics(t, func() {
		LogStepStart(obs, "s")
		LogStepComplete(obs, "s", StepResult{Name: "r", ID: "1"}, 0)
		LogStepRetrying(obs, "s", errors.New("unknown"))
		LogStepFailed(obs, "s", errors.New("boom"))
	})
}
