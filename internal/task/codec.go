package task

import (
	"strconv"
	"strings"
)

// Wire delimiters.
const (
	FieldSep   = "::"
	ControlSep = "|"
)

const taskArity = 5

// Encode renders t as "{id}::{content}::{schedule_type}::{duration}::{slot}".
//
// Content and id must not contain either delimiter: the format has no escaping,
// so such values are rejected here instead of being corrupted on decode.
func Encode(t Task) (string, error) {
	if err := checkEncodable(t); err != nil {
		return "", err
	}
	return encode(t), nil
}

func encode(t Task) string {
	var b strings.Builder
	b.WriteString(t.ID)
	b.WriteString(FieldSep)
	b.WriteString(t.Content)
	b.WriteString(FieldSep)
	b.WriteString(string(t.ScheduleType))
	b.WriteString(FieldSep)
	b.WriteString(strconv.FormatInt(t.Duration, 10))
	b.WriteString(FieldSep)
	b.WriteString(strconv.FormatInt(t.Slot, 10))
	return b.String()
}

func checkEncodable(t Task) error {
	if t.ID == "" {
		return formatErr("", "empty id")
	}
	if HasDelimiter(t.ID) {
		return formatErr("", "id %q contains a wire delimiter", t.ID)
	}
	if HasDelimiter(t.Content) {
		return formatErr("", "content contains a wire delimiter (%q or %q)", FieldSep, ControlSep)
	}
	if !t.ScheduleType.Valid() {
		return formatErr("", "unknown schedule type %q", t.ScheduleType)
	}
	if t.Duration <= 0 {
		return formatErr("", "duration must be positive, got %d", t.Duration)
	}
	return nil
}

// HasDelimiter reports whether s would break the wire encoding. A trailing
// ':' counts: it merges with the following "::" and shifts every field.
func HasDelimiter(s string) bool {
	return strings.Contains(s, FieldSep) || strings.Contains(s, ControlSep) ||
		strings.HasSuffix(s, FieldSep[:1])
}

// Decode parses a todo-channel entry. The returned task has an empty Status;
// the dispatcher owns status.
func Decode(entry string) (Task, error) {
	parts := strings.Split(entry, FieldSep)
	if len(parts) != taskArity {
		return Task{}, formatErr(entry, "expected %d fields, got %d", taskArity, len(parts))
	}
	if parts[0] == "" {
		return Task{}, formatErr(entry, "empty id")
	}
	st := ScheduleType(parts[2])
	if !st.Valid() {
		return Task{}, formatErr(entry, "unknown schedule type %q", parts[2])
	}
	d, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Task{}, formatErr(entry, "duration %q is not an integer", parts[3])
	}
	if d <= 0 {
		return Task{}, formatErr(entry, "duration must be positive, got %d", d)
	}
	slot, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Task{}, formatErr(entry, "slot %q is not an integer", parts[4])
	}
	return Task{
		ID:           parts[0],
		Content:      parts[1],
		ScheduleType: st,
		Duration:     d,
		Slot:         slot,
	}, nil
}

// EncodeControl renders "{id}|delete" or "{id}|update|{task-encoding}".
func EncodeControl(ev ControlEvent) (string, error) {
	if ev.TargetID == "" || strings.Contains(ev.TargetID, ControlSep) || strings.Contains(ev.TargetID, FieldSep) {
		return "", formatErr("", "invalid target id %q", ev.TargetID)
	}
	switch ev.Action {
	case ActionDelete:
		return ev.TargetID + ControlSep + string(ActionDelete), nil
	case ActionUpdate:
		if ev.Replacement == nil {
			return "", formatErr("", "update for %q has no replacement task", ev.TargetID)
		}
		enc, err := Encode(*ev.Replacement)
		if err != nil {
			return "", err
		}
		return ev.TargetID + ControlSep + string(ActionUpdate) + ControlSep + enc, nil
	default:
		return "", formatErr("", "unknown action %q", ev.Action)
	}
}

// DecodeControl parses a control-channel entry.
func DecodeControl(entry string) (ControlEvent, error) {
	parts := strings.Split(entry, ControlSep)
	if len(parts) < 2 || parts[0] == "" {
		return ControlEvent{}, formatErr(entry, "expected {id}|{action}[|{task}]")
	}
	ev := ControlEvent{TargetID: parts[0], Action: Action(parts[1])}
	switch ev.Action {
	case ActionDelete:
		if len(parts) != 2 {
			return ControlEvent{}, formatErr(entry, "delete expects 2 fields, got %d", len(parts))
		}
		return ev, nil
	case ActionUpdate:
		if len(parts) != 3 {
			return ControlEvent{}, formatErr(entry, "update expects 3 fields, got %d", len(parts))
		}
		t, err := Decode(parts[2])
		if err != nil {
			return ControlEvent{}, err
		}
		ev.Replacement = &t
		return ev, nil
	default:
		return ControlEvent{}, formatErr(entry, "unknown action %q", parts[1])
	}
}
