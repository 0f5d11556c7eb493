package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

func TestSessionOnce(t *testing.T) {
	s := NewSession("run-1")
	assert.Equal(t, "run-1", s.ID())
	assert.True(t, s.Once("notice"))
	assert.False(t, s.Once("notice"))
	assert.True(t, s.Once("other"))

	s.Set("k", 1)
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	s.Close()
	assert.True(t, s.Closed())
	_, ok = s.Get("k")
	assert.False(t, ok)

	assert.True(t, NewSession("run-2").Once("notice"), "a new run starts clean")
}

func TestConsolePrompt(t *testing.T) {
	c := NewConsoleContext(nil, nil, map[string]interface{}{"strategy": "DROP"})

	answers, err := c.Prompt(context.Background(), []Parameter{
		{Name: "strategy", Type: ParameterSelect, Options: []string{"DROP", "CAST_TO_STRING"}},
		{Name: "table", Type: ParameterText, Default: "orders"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"strategy": "DROP", "table": "orders"}, answers)
	assert.Len(t, c.Asked(), 2)
}

func TestConsolePromptErrors(t *testing.T) {
	c := NewConsoleContext(nil, nil, map[string]interface{}{"strategy": "WIDEN"})

	_, err := c.Prompt(context.Background(), []Parameter{{Name: "missing"}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = c.Prompt(context.Background(), []Parameter{
		{Name: "strategy", Type: ParameterSelect, Options: []string{"DROP"}},
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Prompt(ctx, []Parameter{{Name: "strategy"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsoleTaskAndPrint(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewConsoleContext(zap.New(core), nil, nil)

	task := c.StartTask("Writing orders")
	task.SetMessage("100 records")
	task.End(TaskSuccess, "done")
	c.Print(LevelWarning, "careful")

	assert.Equal(t, 1, logs.FilterMessage("task started").Len())
	assert.Equal(t, 1, logs.FilterMessage("task finished").Len())
	assert.Equal(t, 1, logs.FilterMessage("careful").Len())
}

func TestPasswordRedacted(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewConsoleContext(zap.New(core), nil, map[string]interface{}{"password": "hunter2"})

	_, err := c.Prompt(context.Background(), []Parameter{{Name: "password", Type: ParameterPassword}})
	require.NoError(t, err)

	entry := logs.FilterMessage("parameter answered").All()[0]
	assert.Equal(t, "***", entry.ContextMap()["value"])
}
