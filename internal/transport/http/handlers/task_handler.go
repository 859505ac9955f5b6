package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/transport/http/dto"
)

type TaskHandler struct {
	tasks  ports.TaskCoordinator
	logger *logger.Logger
}

func NewTaskHandler(tasks ports.TaskCoordinator, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	var req dto.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("create_task_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if errs := req.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "validation failed", Details: errs})
	}

	taskID, err := h.tasks.CreateAndSend(c.UserContext(), req.ToInput())
	switch {
	case errors.Is(err, services.ErrTaskInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case err != nil && taskID == "":
		return err
	}

	// A delivery failure still leaves a stored task; report it as created.
	state := domain.TaskStateCreated
	if task, ok := h.tasks.Task(taskID); ok {
		state = task.State
	}
	return c.Status(fiber.StatusCreated).JSON(dto.CreateTaskResponse{
		TaskID:    taskID,
		State:     state,
		Delivered: err == nil && state != domain.TaskStateCreated,
	})
}

func (h *TaskHandler) GetTasks(c *fiber.Ctx) error {
	tasks := h.tasks.ActiveTasks(c.Query("agent_id"))
	return c.JSON(dto.TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	task, ok := h.tasks.Task(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: services.ErrTaskNotFound.Error()})
	}
	return c.JSON(task)
}
