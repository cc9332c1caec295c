package task

import "context"

// Definition pairs a task type name with its typed handler. The handler
// is resolved locally on every node that registers it; task payloads
// carry data only, never code.
type Definition[T any] struct {
	// Type is the task type name (e.g., "genetic.evaluate").
	Type string

	// Handler executes the task. The returned bytes become the task
	// result; a returned error triggers the retry policy.
	Handler func(ctx context.Context, input T) ([]byte, error)
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](taskType string, handler func(ctx context.Context, input T) ([]byte, error)) *Definition[T] {
	return &Definition[T]{Type: taskType, Handler: handler}
}
