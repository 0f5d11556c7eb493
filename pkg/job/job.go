// Package job provides the context a run uses to talk to its operator:
// prompting for missing parameters, reporting task progress and logging.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// ParameterType describes how a parameter is asked for
type ParameterType string

const (
	ParameterText     ParameterType = "text"
	ParameterNumber   ParameterType = "number"
	ParameterSelect   ParameterType = "select"
	ParameterConfirm  ParameterType = "confirm"
	ParameterPassword ParameterType = "password"
)

// Parameter is one question asked through Prompt
type Parameter struct {
	Name    string
	Message string
	Type    ParameterType
	Options []string
	Default interface{}
}

// Level is the severity of a printed message
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// TaskStatus is the final state of a task
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
)

// Task reports progress of one long running step
type Task interface {
	SetMessage(msg string)
	End(status TaskStatus, msg string)
}

// JobContext is implemented by whatever drives a run: a console, a test or
// a remote agent.
type JobContext interface {
	// Prompt asks for every parameter and returns answers keyed by name
	Prompt(ctx context.Context, params []Parameter) (map[string]interface{}, error)
	StartTask(name string) Task
	Print(level Level, msg string)
	Logger() *zap.Logger
	Session() *Session
}

// Session carries per-run flags that must not leak into the next run, such as
// notices printed once. Create one at run start and Close it at run end.
type Session struct {
	mu     sync.Mutex
	id     string
	start  time.Time
	once   map[string]bool
	values map[string]interface{}
	closed bool
}

// NewSession creates a session
func NewSession(id string) *Session {
	return &Session{
		id:     id,
		start:  time.Now(),
		once:   make(map[string]bool),
		values: make(map[string]interface{}),
	}
}

// ID returns the run identifier
func (s *Session) ID() string { return s.id }

// Started returns the session creation time
func (s *Session) Started() time.Time { return s.start }

// Once reports true the first time it is called with key
func (s *Session) Once(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.once[key] {
		return false
	}
	s.once[key] = true
	return true
}

// Set stores a value for the rest of the run
func (s *Session) Set(key string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Get returns a stored value
func (s *Session) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Close discards the session state. Further calls to Once report false.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.values = make(map[string]interface{})
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConsoleContext answers prompts from preset answers or parameter defaults
// and reports everything through zap. It never blocks on input.
type ConsoleContext struct {
	mu      sync.Mutex
	answers map[string]interface{}
	logger  *zap.Logger
	session *Session
	asked   []Parameter
}

// NewConsoleContext creates a console context
func NewConsoleContext(logger *zap.Logger, session *Session, answers map[string]interface{}) *ConsoleContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == nil {
		session = NewSession("")
	}
	if answers == nil {
		answers = make(map[string]interface{})
	}
	return &ConsoleContext{answers: answers, logger: logger, session: session}
}

// Prompt implements JobContext
func (c *ConsoleContext) Prompt(ctx context.Context, params []Parameter) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]interface{}, len(params))
	for _, p := range params {
		c.asked = append(c.asked, p)

		v, ok := c.answers[p.Name]
		if !ok {
			v = p.Default
		}
		if v == nil {
			return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("no answer for %q: %s", p.Name, p.Message))
		}
		if p.Type == ParameterSelect && len(p.Options) > 0 {
			if !contains(p.Options, fmt.Sprint(v)) {
				return nil, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("answer %v for %q is not one of %v", v, p.Name, p.Options))
			}
		}
		out[p.Name] = v
		c.logger.Info("parameter answered", zap.String("name", p.Name), zap.Any("value", redact(p, v)))
	}
	return out, nil
}

// Asked returns every parameter prompted so far
func (c *ConsoleContext) Asked() []Parameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Parameter(nil), c.asked...)
}

// StartTask implements JobContext
func (c *ConsoleContext) StartTask(name string) Task {
	c.logger.Info("task started", zap.String("task", name))
	return &consoleTask{name: name, logger: c.logger, start: time.Now()}
}

// Print implements JobContext
func (c *ConsoleContext) Print(level Level, msg string) {
	switch level {
	case LevelError:
		c.logger.Error(msg)
	case LevelWarning:
		c.logger.Warn(msg)
	default:
		c.logger.Info(msg, zap.String("level", string(level)))
	}
}

// Logger implements JobContext
func (c *ConsoleContext) Logger() *zap.Logger { return c.logger }

// Session implements JobContext
func (c *ConsoleContext) Session() *Session { return c.session }

type consoleTask struct {
	name   string
	logger *zap.Logger
	start  time.Time
}

func (t *consoleTask) SetMessage(msg string) {
	t.logger.Debug("task progress", zap.String("task", t.name), zap.String("message", msg))
}

func (t *consoleTask) End(status TaskStatus, msg string) {
	fields := []zap.Field{
		zap.String("task", t.name),
		zap.String("status", string(status)),
		zap.String("message", msg),
		zap.Duration("duration", time.Since(t.start)),
	}
	if status == TaskError {
		t.logger.Error("task failed", fields...)
		return
	}
	t.logger.Info("task finished", fields...)
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func redact(p Parameter, v interface{}) interface{} {
	if p.Type == ParameterPassword {
		return "***"
	}
	return v
}
