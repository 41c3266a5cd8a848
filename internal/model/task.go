package model

import (
	"encoding/json"
	"time"
)

type TaskState string

const (
	TaskCreated   TaskState = "created"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no transition out of the state exists.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is allowed. A task cancelled while
// still queued goes straight from created to cancelled.
func (s TaskState) CanTransition(to TaskState) bool {
	switch s {
	case TaskCreated:
		return to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Progress is the latest progress snapshot of a task.
type Progress struct {
	Percentage float64 `json:"percentage"`
	Operation  string  `json:"operation"`
	Step       int     `json:"step"`
	Steps      int     `json:"steps"`
}

type TaskStatus struct {
	ID          string        `json:"id"`
	SimulatorID string        `json:"simulatorId"`
	Flow        string        `json:"flow,omitempty"`
	State       TaskState     `json:"state"`
	Progress    Progress      `json:"progress"`
	Created     time.Time     `json:"created"`
	Started     time.Time     `json:"started,omitzero"`
	Finished    time.Time     `json:"finished,omitzero"`
	Elapsed     time.Duration `json:"-"`
	Error       string        `json:"error,omitempty"`
}

// ElapsedSeconds is the wire form of Elapsed.
func (s TaskStatus) ElapsedSeconds() float64 {
	return s.Elapsed.Seconds()
}

type taskStatus TaskStatus

type taskStatusWire struct {
	taskStatus
	Elapsed float64 `json:"elapsed"`
}

func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskStatusWire{taskStatus: taskStatus(s), Elapsed: s.ElapsedSeconds()})
}

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	var w taskStatusWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = TaskStatus(w.taskStatus)
	s.Elapsed = time.Duration(w.Elapsed * float64(time.Second))
	return nil
}

// StepResult holds the engine outputs of a single step. Outputs may contain
// numeric arrays and timestamps, so it goes through the codec on retrieval.
type StepResult struct {
	Name    string         `json:"name"`
	Kind    StepKind       `json:"kind"`
	Outputs map[string]any `json:"outputs"`
}

type TaskResult struct {
	TaskID      string       `json:"taskId"`
	SimulatorID string       `json:"simulatorId"`
	Flow        string       `json:"flow,omitempty"`
	State       TaskState    `json:"state"`
	Error       string       `json:"error,omitempty"`
	Finished    time.Time    `json:"finished"`
	Steps       []StepResult `json:"steps"`
}

// Payload returns the result as a nested record suitable for the codec.
func (r TaskResult) Payload() map[string]any {
	steps := make([]any, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, map[string]any{
			"name":    s.Name,
			"kind":    string(s.Kind),
			"outputs": s.Outputs,
		})
	}
	ret := map[string]any{
		"taskId":      r.TaskID,
		"simulatorId": r.SimulatorID,
		"state":       string(r.State),
		"finished":    r.Finished,
		"steps":       steps,
	}
	if r.Flow != "" {
		ret["flow"] = r.Flow
	}
	if r.Error != "" {
		ret["error"] = r.Error
	}
	return ret
}
