package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dkeye/voicemesh/internal/adapters/store"
	"github.com/dkeye/voicemesh/internal/adapters/store/sqlite"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls", "journal.db")
	j, err := sqlite.Open(path)
	require.NoError(t, err)

	rec := &domain.CallSession{ID: "s1", RoomID: "room", Initiator: "alice", Status: domain.StatusActive}
	rec.AddParticipant("alice", "a1")
	require.NoError(t, j.SaveSession(rec))

	rec.AddParticipant("bob", "b1")
	require.NoError(t, j.SaveSession(rec))

	for _, id := range []string{"e1", "e2", "e1"} {
		require.NoError(t, j.AppendEnvelope(domain.Envelope{
			ID: id, SessionID: "s1", Kind: domain.KindOffer, From: "alice", To: "bob", Payload: id,
		}))
	}

	sessions, envs, err := j.Load()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, []domain.ParticipantID{"alice", "bob"}, sessions[0].Participants)
	require.Len(t, envs, 2, "duplicate ids are stored once")
	assert.Equal(t, "e1", envs[0].ID)
	assert.Equal(t, "e2", envs[1].ID)

	require.NoError(t, j.DeleteSession("s1"))
	sessions, envs, err = j.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, envs)
	require.NoError(t, j.Close())
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := sqlite.Open(path)
	require.NoError(t, err)
	s, err := store.New(store.WithJournal(j))
	require.NoError(t, err)

	rec := &domain.CallSession{ID: "s1", RoomID: "room", Initiator: "alice", Status: domain.StatusRinging}
	rec.AddParticipant("alice", "a1")
	require.NoError(t, s.CreateSession(ctx, rec))
	_, err = s.AddParticipant(ctx, "s1", "bob", "b1")
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, domain.Envelope{SessionID: "s1", Kind: domain.KindOffer, From: "alice", To: "bob", Payload: "sdp"}))
	require.NoError(t, j.Close())

	j, err = sqlite.Open(path)
	require.NoError(t, err)
	defer j.Close()
	s, err = store.New(store.WithJournal(j))
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "b1", got.EpochOf("bob"))
	assert.Equal(t, 1, s.EnvelopeCount("s1"))
}
