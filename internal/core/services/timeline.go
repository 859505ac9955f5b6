package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
)

var (
	_ ports.TimelineRecorder = (*TimelineRecorder)(nil)
	_ ports.TaskObserver     = (*TimelineRecorder)(nil)
)

// TimelineRecorder queues audit events and writes them from a single
// goroutine so connection handlers never wait on the database. When the
// queue is full new events are dropped.
type TimelineRecorder struct {
	repo    ports.TimelineRepository
	events  chan domain.TimelineEvent
	dropped atomic.Int64
	logger  *logger.Logger
}

func NewTimelineRecorder(repo ports.TimelineRepository, buffer int, log *logger.Logger) *TimelineRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &TimelineRecorder{
		repo:   repo,
		events: make(chan domain.TimelineEvent, buffer),
		logger: log,
	}
}

func (r *TimelineRecorder) Record(event domain.TimelineEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	select {
	case r.events <- event:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warnw("timeline_event_dropped", "type", event.Type, "dropped_total", n)
		}
	}
}

// TaskTransitioned records one event per task state change.
func (r *TimelineRecorder) TaskTransitioned(task domain.Task, from domain.TaskState) {
	status := domain.EventStatusPending
	switch task.State {
	case domain.TaskStateCompleted:
		status = domain.EventStatusSuccess
	case domain.TaskStateFailed, domain.TaskStateTimedOut:
		status = domain.EventStatusFailed
	}

	meta := domain.JSONB{
		"agent_id": task.AgentID,
		"user_id":  task.UserID,
		"state":    string(task.State),
	}
	if from != "" {
		meta["from"] = string(from)
	}
	if task.State == domain.TaskStateCreated {
		meta["url"] = task.Metadata.URL
		meta["priority"] = string(task.Metadata.Priority)
		meta["timeout_seconds"] = task.Metadata.TimeoutSeconds
	}

	r.Record(domain.TimelineEvent{
		Type:         domain.TaskEventType(task.State),
		Status:       status,
		Message:      "task " + string(task.State),
		Meta:         meta,
		ResourceType: domain.ResourceTypeTask,
		ResourceRef:  task.ID,
		CreatedAt:    task.UpdatedAt,
	})
}

// TaskExpired records a task dropped without ever being delivered.
func (r *TimelineRecorder) TaskExpired(task domain.Task) {
	r.Record(domain.TimelineEvent{
		Type:    domain.EventTypeTaskExpired,
		Status:  domain.EventStatusFailed,
		Message: "task expired undelivered",
		Meta: domain.JSONB{
			"agent_id": task.AgentID,
			"user_id":  task.UserID,
			"state":    string(task.State),
		},
		ResourceType: domain.ResourceTypeTask,
		ResourceRef:  task.ID,
		CreatedAt:    task.UpdatedAt,
	})
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *TimelineRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case event := <-r.events:
			r.write(ctx, event)
		}
	}
}

func (r *TimelineRecorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-r.events:
			r.write(ctx, event)
		default:
			return
		}
	}
}

func (r *TimelineRecorder) write(ctx context.Context, event domain.TimelineEvent) {
	if err := r.repo.Create(ctx, &event); err != nil {
		r.logger.Errorw("timeline_event_write_failed", "type", event.Type, "resource_ref", event.ResourceRef, "error", err)
	}
}

// AgentEvent builds a timeline entry for a connection lifecycle step.
func AgentEvent(eventType string, connID, remoteAddr string, identity *domain.AgentIdentity) domain.TimelineEvent {
	meta := domain.JSONB{
		"connection_id": connID,
		"remote_addr":   remoteAddr,
	}
	ref := connID
	if identity != nil {
		meta["agent_id"] = identity.AgentID
		meta["user_id"] = identity.UserID
		ref = identity.AgentID
	}

	status := domain.EventStatusSuccess
	message := "agent connected"
	switch eventType {
	case domain.EventTypeAgentRegistered:
		message = "agent registered"
	case domain.EventTypeAgentDisconnected:
		message = "agent disconnected"
	}

	return domain.TimelineEvent{
		Type:         eventType,
		Status:       status,
		Message:      message,
		Meta:         meta,
		ResourceType: domain.ResourceTypeAgent,
		ResourceRef:  ref,
		CreatedAt:    time.Now(),
	}
}
