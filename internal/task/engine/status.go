package engine

import (
	"context"

	"jobsched/internal/storage"
	"jobsched/internal/task"
)

// StoreStatus reads the status field of the task hash.
type StoreStatus struct {
	Store storage.Store
}

func (s StoreStatus) Status(ctx context.Context, id string) (task.Status, error) {
	v, err := s.Store.HashGetField(ctx, id, task.FieldStatus)
	if err != nil {
		return "", err
	}
	return task.Status(v), nil
}
