package provisioning

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/metrics"
)

// Observer receives structured provisioning events.
type Observer interface {
	// Event emits a structured event
	Event(event Event)

	// WithFields returns a new Observer with additional context fields
	WithFields(fields map[string]string) Observer
}

// Event represents a structured provisioning event.
type Event struct {
	Type           EventType
	Step           string
	Message        string
	Resource       string // resource name if applicable
	ResourceID     string
	AlreadyExisted bool
	Err            error
	Timestamp      time.Time
	Fields         map[string]string
}

// EventType represents the type of provisioning event.
type EventType string

const (
	// EventStepStarted indicates a step has started.
	EventStepStarted EventType = "step.started"
	// EventStepCompleted indicates a step completed successfully.
	EventStepCompleted EventType = "step.completed"
	// EventStepRetrying indicates a step is re-run after an unknown outcome.
	EventStepRetrying EventType = "step.retrying"
	// EventStepFailed indicates a step failed.
	EventStepFailed EventType = "step.failed"
)

// LogObserver writes events to a logr.Logger.
type LogObserver struct {
	log    logr.Logger
	fields map[string]string
}

// NewLogObserver creates an observer that logs through log.
func NewLogObserver(log logr.Logger) *LogObserver {
	return &LogObserver{log: log, fields: map[string]string{}}
}

// Event implements Observer.
func (o *LogObserver) Event(ev Event) {
	kv := []any{"event", string(ev.Type), "step", ev.Step}
	if ev.Resource != "" {
		kv = append(kv, "resource", ev.Resource, "id", ev.ResourceID, "already_existed", ev.AlreadyExisted)
	}
	for k, v := range o.fields {
		kv = append(kv, k, v)
	}
	for k, v := range ev.Fields {
		kv = append(kv, k, v)
	}

	switch ev.Type {
	case EventStepFailed:
		o.log.Error(ev.Err, ev.Message, kv...)
	case EventStepStarted:
		o.log.V(1).Info(ev.Message, kv...)
	default:
		o.log.Info(ev.Message, kv...)
	}
}

// WithFields implements Observer.
func (o *LogObserver) WithFields(fields map[string]string) Observer {
	merged := make(map[string]string, len(o.fields)+len(fields))
	for k, v := range o.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &LogObserver{log: o.log, fields: merged}
}

// Publisher appends events to the tenant event log.
type Publisher interface {
	Publish(ctx context.Context, d events.Draft) (events.Event, error)
}

// EventObserver forwards every event to an inner observer and records each
// completed step as a provisioning.step_completed event in the tenant log.
type EventObserver struct {
	ctx       context.Context
	inner     Observer
	publisher Publisher
	tenantID  string
	log       logr.Logger
}

// NewEventObserver creates an observer publishing step completions for tenantID.
func NewEventObserver(ctx context.Context, inner Observer, publisher Publisher, tenantID string, log logr.Logger) *EventObserver {
	return &EventObserver{ctx: ctx, inner: inner, publisher: publisher, tenantID: tenantID, log: log}
}

// Event implements Observer.
func (o *EventObserver) Event(ev Event) {
	o.inner.Event(ev)

	switch ev.Type {
	case EventStepCompleted:
		result := "created"
		if ev.AlreadyExisted {
			result = "already_existed"
		}
		metrics.RecordProvisioningStep(ev.Step, result)
		payload := map[string]any{
			"step":            ev.Step,
			"resource_id":     ev.ResourceID,
			"already_existed": ev.AlreadyExisted,
		}
		if ev.Resource != "" {
			payload["resource_name"] = ev.Resource
		}
		if _, err := o.publisher.Publish(o.ctx, events.Draft{
			TenantID: o.tenantID,
			Type:     events.TypeStepCompleted,
			Payload:  payload,
		}); err != nil {
			o.log.Error(err, "failed to publish step event", "tenant", o.tenantID, "step", ev.Step)
		}
	case EventStepFailed:
		metrics.RecordProvisioningStep(ev.Step, "failed")
	}
}

// WithFields implements Observer.
func (o *EventObserver) WithFields(fields map[string]string) Observer {
	cp := *o
	cp.inner = o.inner.WithFields(fields)
	return &cp
}

// LogStepStart logs a step start event.
func LogStepStart(observer Observer, step string) {
	observer.Event(Event{Type: EventStepStarted, Step: step, Message: "step starting"})
}

// LogStepComplete logs a step completion event.
func LogStepComplete(observer Observer, step string, res StepResult, duration time.Duration) {
	observer.Event(Event{
		Type:           EventStepCompleted,
		Step:           step,
		Message:        "step completed",
		Resource:       res.Name,
		ResourceID:     res.ID,
		AlreadyExisted: res.AlreadyExisted,
		Fields:         map[string]string{"duration": duration.Round(time.Millisecond).String()},
	})
}

// LogStepRetrying logs a re-run after an unknown outcome.
func LogStepRetrying(observer Observer, step string, err error) {
	observer.Event(Event{Type: EventStepRetrying, Step: step, Message: "outcome unknown, re-running step", Err: err})
}

// LogStepFailed logs a step failure event.
func LogStepFailed(observer Observer, step string, err error) {
	observer.Event(Event{Type: EventStepFailed, Step: step, Message: "step failed", Err: err})
}
