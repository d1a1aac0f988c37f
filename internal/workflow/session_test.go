package workflow

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession_ULIDCarriesStartTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession("story-delivery", "3.2", now, nil)

	id, err := ulid.ParseStrict(s.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(now), id.Time())
	assert.Equal(t, "3.2", s.CurrentStory)
	assert.NotNil(t, s.PhaseResults)

	other := NewSession("story-delivery", "3.2", now, nil)
	assert.NotEqual(t, s.WorkflowID, other.WorkflowID)
}

func TestSession_CloneIsDeep(t *testing.T) {
	var nilSession *Session
	assert.Nil(t, nilSession.Clone())

	s := NewSession("wf", "1.1", time.Now(), nil)
	s.PhaseResults["a"] = PhaseResult{Phase: "a", Success: true}

	c := s.Clone()
	c.PhaseResults["b"] = PhaseResult{Phase: "b"}
	c.CurrentPhase = "b"

	assert.Len(t, s.PhaseResults, 1)
	assert.Empty(t, s.CurrentPhase)
}

func TestMemorySessionStore(t *testing.T) {
	store := &MemorySessionStore{}
	s, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, s)

	in := NewSession("wf", "1.1", time.Now(), nil)
	require.NoError(t, store.Save(in))
	in.CurrentPhase = "mutated"

	out, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, out.CurrentPhase, "store keeps its own copy")

	require.NoError(t, store.Clear())
	out, _ = store.Load()
	assert.Nil(t, out)
}
