package services

import "errors"

// Registry errors
var (
	ErrIdentityImmutable = errors.New("registry: identity already bound")
	ErrInvalidIdentity   = errors.New("registry: agent_id and user_id are required")
)

// Task errors
var (
	ErrTaskNotFound           = errors.New("task: not found")
	ErrTaskInvalidInput       = errors.New("task: invalid input")
	ErrUnknownTaskCorrelation = errors.New("task: unknown correlation")
	ErrTaskDeliveryFailed     = errors.New("task: delivery failed")
)

// Transport errors
var (
	ErrConnectionClosed = errors.New("transport: connection closed")
)
