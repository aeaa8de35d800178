package registry

import (
	"fmt"

	"github.com/fenwick-labs/taskcrawl/store"
)

func errAlreadyActive(id store.TaskId) error {
	return fmt.Errorf("registry: task %d is already active", id)
}

func errNotActive(id store.TaskId) error {
	return fmt.Errorf("registry: task %d is not active", id)
}

func errNotStartable(status store.TaskStatus) error {
	return fmt.Errorf("registry: task in status %q cannot be started", status)
}
