package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewNATSSink().config(core.NewSettings(nil, nil, map[string]interface{}{"ackTimeout": "5s"}))
	require.NoError(t, err)
	assert.Equal(t, []string{nats.DefaultURL}, cfg.Servers)
	assert.Equal(t, "datapm", cfg.Stream)
	assert.Equal(t, "datapm_state", cfg.StateBucket)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.Equal(t, "datapm.people", Subject(cfg, "people"))
}

func TestMessage(t *testing.T) {
	msg, err := Message("datapm.people", "r1", "people", models.RecordContext{
		StreamSetSlug: "default", StreamSlug: "a", Offset: 4,
		Record: map[string]interface{}{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "datapm.people", msg.Subject)
	assert.Equal(t, "r1:default:a:4", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "4", msg.Header.Get(headerOffset))
	assert.JSONEq(t, `{"name":"ada"}`, string(msg.Data))
}

func TestPurgeRequest(t *testing.T) {
	req, err := PurgeRequest(sink.CommitKey{keySubject: "datapm.people", keyFirstSeq: uint64(42)})
	require.NoError(t, err)
	assert.Equal(t, &nats.StreamPurgeRequest{Subject: "datapm.people", Sequence: 42}, req)

	req, err = PurgeRequest(sink.CommitKey{keySubject: "datapm.people", keyFirstSeq: uint64(0)})
	require.NoError(t, err)
	assert.Zero(t, req.Sequence)

	_, err = PurgeRequest(sink.CommitKey{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestStateKey(t *testing.T) {
	assert.Equal(t, "c.p.v3", StateKey(sink.StateKey{CatalogSlug: "c", PackageSlug: "p", MajorVersion: 3}))
}
