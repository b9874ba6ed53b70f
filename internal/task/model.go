package task

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ScheduleType selects how an executor fires a task.
type ScheduleType string

const (
	OneShot  ScheduleType = "OneShot"
	Repeated ScheduleType = "Repeated"
)

func (t ScheduleType) Valid() bool { return t == OneShot || t == Repeated }

// ParseScheduleType accepts the canonical names case-insensitively.
func ParseScheduleType(s string) (ScheduleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oneshot":
		return OneShot, nil
	case "repeated":
		return Repeated, nil
	default:
		return "", errors.Newf("unknown schedule type %q", s)
	}
}

// Status is the shared stop flag kept in the status store.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

// Hash field names of the per-task record in the status store.
const (
	FieldID           = "id"
	FieldContent      = "content"
	FieldScheduleType = "schedule_type"
	FieldDuration     = "duration"
	FieldStatus       = "status"
	FieldSlot         = "slot"
)

// Task is one scheduled job.
//
// Duration is expressed in scheduler duration units (seconds unless configured
// otherwise). Slot is an opaque back-reference owned by the API layer.
type Task struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	ScheduleType ScheduleType `json:"schedule_type"`
	Duration     int64        `json:"duration"`
	Status       Status       `json:"status"`
	Slot         int64        `json:"slot"`
}

// Fields returns the full hash field set for t.
func (t Task) Fields() map[string]string {
	return map[string]string{
		FieldID:           t.ID,
		FieldContent:      t.Content,
		FieldScheduleType: string(t.ScheduleType),
		FieldDuration:     strconv.FormatInt(t.Duration, 10),
		FieldStatus:       string(t.Status),
		FieldSlot:         strconv.FormatInt(t.Slot, 10),
	}
}

// FromFields rebuilds a Task from its hash fields.
func FromFields(m map[string]string) (Task, error) {
	var t Task
	for _, k := range []string{FieldID, FieldContent, FieldScheduleType, FieldDuration, FieldStatus, FieldSlot} {
		if _, ok := m[k]; !ok {
			return Task{}, errors.Newf("task record: missing field %q", k)
		}
	}
	d, err := strconv.ParseInt(m[FieldDuration], 10, 64)
	if err != nil {
		return Task{}, errors.Wrapf(err, "task record: field %q", FieldDuration)
	}
	slot, err := strconv.ParseInt(m[FieldSlot], 10, 64)
	if err != nil {
		return Task{}, errors.Wrapf(err, "task record: field %q", FieldSlot)
	}
	t.ID = m[FieldID]
	t.Content = m[FieldContent]
	t.ScheduleType = ScheduleType(m[FieldScheduleType])
	t.Duration = d
	t.Status = Status(m[FieldStatus])
	t.Slot = slot
	return t, nil
}

// Action is the kind of out-of-band request carried on the control channel.
type Action string

const (
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ControlEvent targets an already dispatched task. Replacement is set only for
// ActionUpdate.
type ControlEvent struct {
	TargetID    string
	Action      Action
	Replacement *Task
}
