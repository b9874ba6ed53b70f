// Package jobs is the producer side of the scheduler: it validates job
// requests and turns them into todo and control channel entries.
package jobs

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/storage"
	"jobsched/internal/task"
	logx "jobsched/pkg/logx"
)

const DefaultContentMaxLen = 64

var (
	ErrInvalid  = errors.New("invalid job")
	ErrNotFound = errors.New("task does not exist")
)

// Job is the API view of a task.
type Job struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	ScheduleType string `json:"schedule_type"`
	Duration     int64  `json:"duration"`
	Status       string `json:"status"`
}

type CreateRequest struct {
	Content      string `json:"content"`
	ScheduleType string `json:"schedule_type"`
	Duration     int64  `json:"duration"`
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	Content      *string `json:"content,omitempty"`
	ScheduleType *string `json:"schedule_type,omitempty"`
	Duration     *int64  `json:"duration,omitempty"`
}

type Config struct {
	TodoChannel    string
	ControlChannel string
	ContentMaxLen  int
}

type Service struct {
	store storage.Store
	slots *SlotTable

	mu  sync.RWMutex
	cfg Config

	log   logx.Logger
	newID func() string
}

func (c Config) withDefaults() Config {
	if c.TodoChannel == "" {
		c.TodoChannel = "todo-list"
	}
	if c.ControlChannel == "" {
		c.ControlChannel = "running-list"
	}
	if c.ContentMaxLen <= 0 {
		c.ContentMaxLen = DefaultContentMaxLen
	}
	return c
}

func NewService(store storage.Store, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		cfg:   cfg.withDefaults(),
		slots: NewSlotTable(),
		log:   log,
		newID: uuid.NewString,
	}
}

// Apply swaps channels and limits for subsequent requests.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Slots() *SlotTable { return s.slots }

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}

func (s *Service) validate(content, scheduleType string, duration int64) (task.ScheduleType, error) {
	if n, limit := utf8.RuneCountInString(content), s.config().ContentMaxLen; n > limit {
		return "", invalid("content is %d characters, max %d", n, limit)
	}
	if task.HasDelimiter(content) {
		return "", invalid("content must not contain %q or %q, or end with ':'", task.FieldSep, task.ControlSep)
	}
	st, err := task.ParseScheduleType(scheduleType)
	if err != nil {
		return "", errors.Mark(err, ErrInvalid)
	}
	if duration <= 0 {
		return "", invalid("duration must be positive, got %d", duration)
	}
	return st, nil
}

// Create assigns an id and slot and queues the task for dispatch. The status
// record appears once the dispatcher picks it up.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Job, error) {
	st, err := s.validate(req.Content, req.ScheduleType, req.Duration)
	if err != nil {
		return Job{}, err
	}
	t := task.Task{
		ID:           s.newID(),
		Content:      req.Content,
		ScheduleType: st,
		Duration:     req.Duration,
		Status:       task.StatusRunning,
	}
	t.Slot = s.slots.Alloc(t.ID)

	enc, err := task.Encode(t)
	if err == nil {
		err = s.store.QueuePush(ctx, s.config().TodoChannel, enc)
	}
	if err != nil {
		s.slots.Free(t.Slot, t.ID)
		return Job{}, errors.Wrap(err, "queue task")
	}
	s.log.Info("job created", logx.String("task_id", t.ID), logx.String("schedule_type", string(st)), logx.Int64("duration", t.Duration))
	return toJob(t), nil
}

func (s *Service) load(ctx context.Context, id string) (task.Task, error) {
	if strings.TrimSpace(id) == "" || task.HasDelimiter(id) {
		return task.Task{}, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	fields, err := s.store.HashGetAll(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return task.Task{}, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	if err != nil {
		return task.Task{}, errors.Wrap(err, "read task")
	}
	t, err := task.FromFields(fields)
	if err != nil {
		return task.Task{}, errors.Wrapf(err, "task %q", id)
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return toJob(t), nil
}

// Update merges req into the stored task and queues an update control event.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Job, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return Job{}, err
	}
	content, scheduleType, duration := t.Content, string(t.ScheduleType), t.Duration
	if req.Content != nil {
		content = *req.Content
	}
	if req.ScheduleType != nil {
		scheduleType = *req.ScheduleType
	}
	if req.Duration != nil {
		duration = *req.Duration
	}
	st, err := s.validate(content, scheduleType, duration)
	if err != nil {
		return Job{}, err
	}
	t.Content, t.ScheduleType, t.Duration = content, st, duration
	t.Status = task.StatusRunning

	enc, err := task.EncodeControl(task.ControlEvent{TargetID: id, Action: task.ActionUpdate, Replacement: &t})
	if err != nil {
		return Job{}, errors.Mark(err, ErrInvalid)
	}
	if err := s.store.QueuePush(ctx, s.config().ControlChannel, enc); err != nil {
		return Job{}, errors.Wrap(err, "queue update")
	}
	s.log.Info("job update queued", logx.String("task_id", id))
	return toJob(t), nil
}

// Delete releases the task's slot and queues a delete control event.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	enc, err := task.EncodeControl(task.ControlEvent{TargetID: id, Action: task.ActionDelete})
	if err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	if err := s.store.QueuePush(ctx, s.config().ControlChannel, enc); err != nil {
		return errors.Wrap(err, "queue delete")
	}
	s.slots.Free(t.Slot, id)
	s.log.Info("job delete queued", logx.String("task_id", id))
	return nil
}

func toJob(t task.Task) Job {
	return Job{
		ID:           t.ID,
		Content:      t.Content,
		ScheduleType: string(t.ScheduleType),
		Duration:     t.Duration,
		Status:       string(t.Status),
	}
}
