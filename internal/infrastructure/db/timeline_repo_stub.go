package db

import (
	"context"

	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
)

// TimelineRepoStub stands in for the Postgres repository when
// database.enabled is false. Events only go to the log.
type TimelineRepoStub struct {
	logger *logger.Logger
}

func NewTimelineRepoStub(log *logger.Logger) ports.TimelineRepository {
	return &TimelineRepoStub{logger: log}
}

func (r *TimelineRepoStub) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.logger.Debugw("timeline_event",
		"type", event.Type,
		"status", event.Status,
		"message", event.Message,
		"resource_type", event.ResourceType,
		"resource_ref", event.ResourceRef,
	)
	return nil
}

func (r *TimelineRepoStub) GetByResource(ctx context.Context, resourceType, resourceRef string) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (r *TimelineRepoStub) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	return nil, nil
}
