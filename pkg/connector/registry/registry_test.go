package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/sink"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

type stubSink struct{ sink.Sink }

func (stubSink) Type() string { return "stub" }

type stubSource struct{}

func (stubSource) Type() string                    { return "stub" }
func (stubSource) Validate(core.Settings) error    { return nil }
func (stubSource) StreamSets(context.Context, core.Settings) ([]source.StreamSet, error) {
	return nil, nil
}
func (stubSource) OpenStream(context.Context, source.OpenRequest) (*source.RecordStream, error) {
	return nil, nil
}

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSink("stub", func() (sink.Sink, error) { return stubSink{}, nil }))
	require.NoError(t, r.RegisterSource("stub", func() (source.Source, error) { return stubSource{}, nil }))

	s, err := r.CreateSink("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", s.Type())

	src, err := r.CreateSource("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", src.Type())

	assert.Equal(t, []string{"stub"}, r.ListSinks())
	assert.Equal(t, []string{"stub"}, r.ListSources())
}

func TestDuplicateAndMissing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSink("a", func() (sink.Sink, error) { return stubSink{}, nil }))

	err := r.RegisterSink("a", func() (sink.Sink, error) { return stubSink{}, nil })
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = r.CreateSink("missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = r.CreateSource("missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestFactoryError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSink("bad", func() (sink.Sink, error) { return nil, fmt.Errorf("no driver") }))

	_, err := r.CreateSink("bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no driver")
}
