package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/protocol"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var _ ports.TaskCoordinator = (*TaskCoordinator)(nil)

type TaskCoordinatorConfig struct {
	// DefaultTimeout applies when a task is created without timeout_seconds.
	DefaultTimeout time.Duration
	// Terminal tasks stay readable through Task for this long.
	OutcomeRetention time.Duration
	OutcomeCacheSize int
}

type trackedTask struct {
	task domain.Task
	// closed once the first delivery attempt has finished
	dispatched chan struct{}
}

type transition struct {
	task domain.Task
	from domain.TaskState
}

// TaskCoordinator owns every task and is the only place task state changes.
// Active tasks live in a map guarded by mu; terminal ones move to an
// expiring LRU so callers can still read the outcome for a while.
type TaskCoordinator struct {
	mu       sync.Mutex
	active   map[string]*trackedTask
	outcomes *expirable.LRU[string, domain.Task]

	registry  ports.ConnectionRegistry
	observers []ports.TaskObserver
	cfg       TaskCoordinatorConfig
	logger    *logger.Logger
	now       func() time.Time
}

func NewTaskCoordinator(registry ports.ConnectionRegistry, cfg TaskCoordinatorConfig, log *logger.Logger, observers ...ports.TaskObserver) *TaskCoordinator {
	if cfg.OutcomeCacheSize <= 0 {
		cfg.OutcomeCacheSize = 10000
	}
	if cfg.OutcomeRetention <= 0 {
		cfg.OutcomeRetention = time.Hour
	}
	return &TaskCoordinator{
		active:    make(map[string]*trackedTask),
		outcomes:  expirable.NewLRU[string, domain.Task](cfg.OutcomeCacheSize, nil, cfg.OutcomeRetention),
		registry:  registry,
		observers: observers,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
}

// ==================== Creation & Delivery ====================

// CreateAndSend stores a new task and, if the agent is connected, sends it.
// The task id is returned whenever the task was stored, including when
// delivery failed; the error then wraps ErrTaskDeliveryFailed and the task
// stays created.
func (c *TaskCoordinator) CreateAndSend(ctx context.Context, input ports.CreateTaskInput) (string, error) {
	metadata, err := c.normalize(input)
	if err != nil {
		return "", err
	}

	now := c.now()
	tracked := &trackedTask{
		task: domain.Task{
			ID:          "task_" + uuid.New().String(),
			AgentID:     input.AgentID,
			UserID:      input.UserID,
			Instruction: input.Instruction,
			Metadata:    metadata,
			State:       domain.TaskStateCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		dispatched: make(chan struct{}),
	}
	defer close(tracked.dispatched)

	c.mu.Lock()
	c.active[tracked.task.ID] = tracked
	created := tracked.task
	c.mu.Unlock()
	c.notify(transition{task: created})

	c.logger.Infow("task_created",
		"task_id", created.ID,
		"agent_id", created.AgentID,
		"user_id", created.UserID,
	)

	conn, ok := c.registry.Lookup(input.AgentID)
	if !ok {
		c.logger.Warnw("task_agent_not_connected", "task_id", created.ID, "agent_id", created.AgentID)
		return created.ID, nil
	}

	if err := conn.Send(ctx, protocol.NewTask(&created, c.now())); err != nil {
		c.logger.Warnw("task_delivery_failed",
			"task_id", created.ID,
			"agent_id", created.AgentID,
			"connection_id", conn.ID(),
			"error", err,
		)
		return created.ID, fmt.Errorf("%w: %w", ErrTaskDeliveryFailed, err)
	}

	c.apply(created.ID, domain.TaskStateSent, func(t *domain.Task, at time.Time) {
		t.SentAt = &at
	})
	c.logger.Infow("task_sent", "task_id", created.ID, "agent_id", created.AgentID, "connection_id", conn.ID())
	return created.ID, nil
}

func (c *TaskCoordinator) normalize(input ports.CreateTaskInput) (domain.TaskMetadata, error) {
	md := input.Metadata
	switch {
	case input.AgentID == "":
		return md, fmt.Errorf("%w: agent_id is required", ErrTaskInvalidInput)
	case input.UserID == "":
		return md, fmt.Errorf("%w: user_id is required", ErrTaskInvalidInput)
	case input.Instruction == "":
		return md, fmt.Errorf("%w: instruction is required", ErrTaskInvalidInput)
	case md.TimeoutSeconds < 0:
		return md, fmt.Errorf("%w: timeout_seconds must not be negative", ErrTaskInvalidInput)
	}
	if md.Priority == "" {
		md.Priority = domain.TaskPriorityMedium
	}
	if !md.Priority.Valid() {
		return md, fmt.Errorf("%w: unknown priority %q", ErrTaskInvalidInput, md.Priority)
	}
	if md.TimeoutSeconds == 0 {
		md.TimeoutSeconds = int(c.cfg.DefaultTimeout / time.Second)
	}
	return md, nil
}

// ==================== Agent Reports ====================

// OnAck moves a sent task to acked. Acks for unknown tasks, for tasks owned by
// another agent, or arriving in any other state are logged and dropped.
func (c *TaskCoordinator) OnAck(taskID, agentID string) {
	c.awaitDispatch(taskID)

	c.mu.Lock()
	tracked, ok := c.active[taskID]
	if !ok {
		c.mu.Unlock()
		c.logCorrelation("task_ack_ignored", taskID, agentID, "unknown task")
		return
	}
	if tracked.task.AgentID != agentID {
		owner := tracked.task.AgentID
		c.mu.Unlock()
		c.logger.Warnw("task_ack_ignored",
			"task_id", taskID,
			"agent_id", agentID,
			"owner_agent_id", owner,
			"reason", "agent mismatch",
			"error", ErrUnknownTaskCorrelation,
		)
		return
	}
	state := tracked.task.State
	c.mu.Unlock()

	if state != domain.TaskStateSent {
		c.logCorrelation("task_ack_ignored", taskID, agentID, "task is "+string(state))
		return
	}
	if !c.apply(taskID, domain.TaskStateAcked, func(t *domain.Task, at time.Time) { t.AckedAt = &at }) {
		c.logCorrelation("task_ack_ignored", taskID, agentID, "state changed concurrently")
		return
	}
	c.logger.Infow("task_acked", "task_id", taskID, "agent_id", agentID)
}

// OnResult records the outcome of a sent or acked task. Results for unknown,
// undelivered or already finished tasks are logged and dropped.
func (c *TaskCoordinator) OnResult(taskID string, success bool, results any) {
	c.awaitDispatch(taskID)

	next := domain.TaskStateFailed
	if success {
		next = domain.TaskStateCompleted
	}
	ok := c.apply(taskID, next, func(t *domain.Task, at time.Time) {
		t.FinishedAt = &at
		t.Success = &success
		t.Results = results
	})
	if !ok {
		c.logCorrelation("task_result_ignored", taskID, "", "unknown task or no valid transition")
		return
	}
	c.logger.Infow("task_finished", "task_id", taskID, "state", next)
}

// ==================== Timeouts ====================

// CheckTimeouts times out every sent or acked task whose timeout has elapsed
// since creation and returns their ids. Created tasks that were never
// delivered are dropped from the active table once expired, keeping their
// created state in the outcome cache.
func (c *TaskCoordinator) CheckTimeouts(now time.Time) []string {
	var (
		timedOut []string
		changes  []transition
		expired  []domain.Task
	)

	c.mu.Lock()
	for id, tracked := range c.active {
		t := &tracked.task
		if !t.Expired(now) {
			continue
		}
		switch t.State {
		case domain.TaskStateSent, domain.TaskStateAcked:
			from := t.State
			t.State = domain.TaskStateTimedOut
			t.UpdatedAt = now
			t.FinishedAt = &now
			timedOut = append(timedOut, id)
			changes = append(changes, transition{task: *t, from: from})
			c.retire(id)
		case domain.TaskStateCreated:
			select {
			case <-tracked.dispatched:
				t.UpdatedAt = now
				expired = append(expired, *t)
				c.retire(id)
			default:
			}
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.logger.Warnw("task_timed_out", "task_id", ch.task.ID, "agent_id", ch.task.AgentID, "from", ch.from)
	}
	c.notify(changes...)
	for _, t := range expired {
		c.logger.Warnw("task_expired_undelivered", "task_id", t.ID, "agent_id", t.AgentID)
		for _, o := range c.observers {
			o.TaskExpired(t)
		}
	}
	sort.Strings(timedOut)
	return timedOut
}

// RunTimeoutSweeper calls CheckTimeouts every interval until ctx is done.
func RunTimeoutSweeper(ctx context.Context, coordinator ports.TaskCoordinator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			coordinator.CheckTimeouts(now)
		}
	}
}

// ==================== Queries ====================

// Task returns a copy of an active or recently finished task.
func (c *TaskCoordinator) Task(taskID string) (*domain.Task, bool) {
	c.mu.Lock()
	tracked, ok := c.active[taskID]
	if ok {
		t := tracked.task
		c.mu.Unlock()
		return &t, true
	}
	c.mu.Unlock()

	if t, ok := c.outcomes.Get(taskID); ok {
		return &t, true
	}
	return nil, false
}

// ActiveTasks lists non-terminal tasks, oldest first. An empty agentID lists
// every agent's tasks.
func (c *TaskCoordinator) ActiveTasks(agentID string) []domain.Task {
	c.mu.Lock()
	tasks := make([]domain.Task, 0, len(c.active))
	for _, tracked := range c.active {
		if agentID == "" || tracked.task.AgentID == agentID {
			tasks = append(tasks, tracked.task)
		}
	}
	c.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// ==================== Internals ====================

// apply performs one state-machine edge under the lock and notifies
// observers afterwards. It reports false when the edge is not allowed.
func (c *TaskCoordinator) apply(taskID string, next domain.TaskState, mutate func(t *domain.Task, at time.Time)) bool {
	c.mu.Lock()
	tracked, ok := c.active[taskID]
	if !ok || !tracked.task.State.CanTransition(next) {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	from := tracked.task.State
	tracked.task.State = next
	tracked.task.UpdatedAt = now
	mutate(&tracked.task, now)
	snapshot := tracked.task
	if next.IsTerminal() {
		c.retire(taskID)
	}
	c.mu.Unlock()

	c.notify(transition{task: snapshot, from: from})
	return true
}

// retire moves a task out of the active table. Caller holds mu.
func (c *TaskCoordinator) retire(taskID string) {
	tracked, ok := c.active[taskID]
	if !ok {
		return
	}
	delete(c.active, taskID)
	c.outcomes.Add(taskID, tracked.task)
}

// awaitDispatch blocks until the delivery attempt for taskID has finished, so
// an agent that answers faster than CreateAndSend records the send still
// sees the task as sent.
func (c *TaskCoordinator) awaitDispatch(taskID string) {
	c.mu.Lock()
	tracked, ok := c.active[taskID]
	c.mu.Unlock()
	if ok {
		<-tracked.dispatched
	}
}

func (c *TaskCoordinator) notify(changes ...transition) {
	for _, ch := range changes {
		for _, o := range c.observers {
			o.TaskTransitioned(ch.task, ch.from)
		}
	}
}

func (c *TaskCoordinator) logCorrelation(event, taskID, agentID, reason string) {
	c.logger.Warnw(event,
		"task_id", taskID,
		"agent_id", agentID,
		"reason", reason,
		"error", ErrUnknownTaskCorrelation,
	)
}
