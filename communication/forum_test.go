package communication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/agent-lounge/core"
)

func TestForumThreadLifecycle(t *testing.T) {
	f := NewForum()
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	ada := core.Agent{ID: "a", Name: "Ada"}
	bo := core.Agent{ID: "b", Name: "Bo"}
	cy := core.Agent{ID: "c", Name: "Cy"}

	th := f.Open("r1", ada, bo, now)
	assert.Equal(t, "", th.LastSpeaker())
	assert.Equal(t, "Bo", th.Names["b"])

	require.NoError(t, f.AddReply("r1", core.Turn{AgentID: "a", Text: "hi", Timestamp: now.Add(time.Second)}))
	assert.Error(t, f.AddReply("r2", core.Turn{AgentID: "a"}))

	// Reopening for the same pair in either order keeps the history.
	th = f.Open("r1", bo, ada, now.Add(time.Minute))
	require.Len(t, th.History, 1)
	assert.Equal(t, "a", th.LastSpeaker())
	assert.Equal(t, now.Add(time.Second), th.LastTurnAt)

	// The returned copy is detached from the forum.
	th.History[0].Text = "changed"
	got, ok := f.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "hi", got.History[0].Text)

	// A different pair starts over.
	th = f.Open("r1", ada, cy, now.Add(2*time.Minute))
	assert.Empty(t, th.History)
	assert.True(t, th.SamePair("c", "a"))
	assert.Equal(t, 1, f.Len())

	closed, ok := f.Close("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "c"}, closed.Participants)
	assert.Equal(t, 0, f.Len())

	_, ok = f.Close("r1")
	assert.False(t, ok)
	_, ok = f.Get("r1")
	assert.False(t, ok)
}
