package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
)

// TaskType is a category of AI work with its own quality-scoring logic.
type TaskType string

const (
	TaskWebsiteAnalysis      TaskType = "website_analysis"
	TaskCodeGeneration       TaskType = "code_generation"
	TaskEmailWriting         TaskType = "email_writing"
	TaskConversationResponse TaskType = "conversation_response"
	TaskVideoScript          TaskType = "video_script"
	TaskLeadScoring          TaskType = "lead_scoring"
	TaskGeneral              TaskType = "general"
)

// AllTaskTypes lists every known task type in a stable order.
var AllTaskTypes = []TaskType{
	TaskWebsiteAnalysis,
	TaskCodeGeneration,
	TaskEmailWriting,
	TaskConversationResponse,
	TaskVideoScript,
	TaskLeadScoring,
	TaskGeneral,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range AllTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t TaskType) String() string {
	return string(t)
}

// ParseTaskType normalizes and validates a task type name.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return t, nil
}

// TaskSet is a set of task types. It is stored as a comma separated TEXT
// column so the same schema works on Postgres and SQLite.
type TaskSet []TaskType

// Contains reports whether the set includes t.
func (s TaskSet) Contains(t TaskType) bool {
	for _, v := range s {
		if v == t {
			return true
		}
	}
	return false
}

// Normalized returns a sorted copy without duplicates.
func (s TaskSet) Normalized() TaskSet {
	seen := make(map[TaskType]struct{}, len(s))
	out := make(TaskSet, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s TaskSet) Value() (driver.Value, error) {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, ","), nil
}

func (s *TaskSet) Scan(value any) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("TaskSet: expected string, got %T", value)
	}

	out := TaskSet{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, TaskType(part))
		}
	}
	*s = out
	return nil
}
