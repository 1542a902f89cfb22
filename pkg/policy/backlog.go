package policy

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// backlogDoc is the on-disk shape of .leviathan/backlog.yaml.
type backlogDoc struct {
	SchemaVersion string        `yaml:"schemaVersion,omitempty"`
	Tasks         []*types.Task `yaml:"tasks"`
}

// ParseBacklog decodes and validates a backlog document, returning tasks in
// file order.
func ParseBacklog(data []byte) ([]*types.Task, error) {
	var doc backlogDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(hasSchemaVersion(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "backlog invalid", err)
	}
	if err := validateBacklog(doc.Tasks); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "backlog invalid", err)
	}
	return doc.Tasks, nil
}

func validateBacklog(tasks []*types.Task) error {
	var problems []string
	ids := make(map[string]bool, len(tasks))

	for i, task := range tasks {
		at := fmt.Sprintf("tasks[%d]", i)
		if task == nil {
			problems = append(problems, at+": empty record")
			continue
		}
		if task.ID == "" {
			problems = append(problems, at+": id is required")
		} else if ids[task.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate id %q", at, task.ID))
		} else {
			ids[task.ID] = true
		}
		if task.Title == "" {
			problems = append(problems, at+": title is required")
		}
		if len(task.AllowedPaths) == 0 {
			problems = append(problems, at+": allowedPaths is required")
		}
		for j, p := range task.AllowedPaths {
			if NormalizePath(p) == "" {
				problems = append(problems, fmt.Sprintf("%s.allowedPaths[%d]: %q is not a valid repository path", at, j, p))
			}
		}

		switch task.Status {
		case "":
			task.Status = types.TaskStatusPending
		case types.TaskStatusPending, types.TaskStatusInProgress, types.TaskStatusCompleted, types.TaskStatusBlocked:
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown status %q", at, task.Status))
		}
		switch task.Priority {
		case "":
			task.Priority = types.PriorityNormal
		case types.PriorityLow, types.PriorityNormal, types.PriorityHigh:
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown priority %q", at, task.Priority))
		}
	}

	// Dependencies must reference ids declared in the same backlog.
	for i, task := range tasks {
		if task == nil {
			continue
		}
		for _, dep := range task.Dependencies {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("tasks[%d]: dependency %q is not declared in this backlog", i, dep))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// MarkTaskCompleted returns the backlog document with the given task marked
// completed and not ready, its attempt metadata appended. Task order and all
// other tasks are preserved. Used by the worker's writeback commit.
func MarkTaskCompleted(data []byte, taskID string, record *types.AttemptRecord) ([]byte, error) {
	var doc backlogDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(hasSchemaVersion(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "backlog invalid", err)
	}
	if err := validateBacklog(doc.Tasks); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "backlog invalid", err)
	}

	found := false
	for _, task := range doc.Tasks {
		if task.ID != taskID {
			continue
		}
		task.Status = types.TaskStatusCompleted
		task.Ready = false
		task.Attempts = append(task.Attempts, record)
		found = true
	}
	if !found {
		return nil, errdefs.Newf(errdefs.KindNotFound, "task %s not in backlog", taskID)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode backlog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode backlog: %w", err)
	}
	return buf.Bytes(), nil
}
