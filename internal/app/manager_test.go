package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndJoinConnect(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	streams := make(chan domain.ParticipantID, 4)
	alice.m.OnRemoteStream(func(p domain.ParticipantID, rs core.RemoteStream) { streams <- p })

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, alice.m.IsInSession())

	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	requireMesh(t, alice, bob)
	require.Eventually(t, func() bool {
		states := alice.events.states("bob")
		return len(states) > 0 && states[len(states)-1] == domain.LinkConnected
	}, time.Second, 10*time.Millisecond, "link-state-changed reports the connected link")
	assert.Equal(t, 1, alice.m.ActiveLinkCount())
	assert.Equal(t, 1, bob.m.ActiveLinkCount())
	require.Eventually(t, func() bool { return len(alice.m.Roster()) == 2 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []domain.ParticipantID{"alice", "bob"}, alice.m.Roster())

	select {
	case p := <-streams:
		assert.Equal(t, domain.ParticipantID("bob"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("no remote stream for alice")
	}
	assert.Zero(t, alice.events.count(EventError, ""))
	assert.Zero(t, bob.events.count(EventLinkFailed, ""))
}

func TestSimultaneousOffersConvergeToOneLink(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.offerGate = newGate(2)
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	requireMesh(t, alice, bob)

	// both sides offered in the same tick: the smaller id's offer won
	for _, p := range []*testPeer{alice, bob} {
		links := p.m.Current().Links()
		require.Len(t, links, 1)
		assert.Equal(t, domain.ParticipantID("alice"), links[0].Initiator)
	}
	assert.Equal(t, 1, alice.backend.count(domain.KindOffer))
	assert.Equal(t, 1, bob.backend.count(domain.KindOffer))
	assert.Zero(t, alice.backend.count(domain.KindAnswer), "the winner never answers")
	assert.Equal(t, 1, bob.backend.count(domain.KindAnswer))

	bobConns := net.connsOf("bob", "alice")
	require.Len(t, bobConns, 2)
	assert.True(t, bobConns[0].isClosed(), "the loser's own offer is discarded")
	assert.Len(t, net.connsOf("alice", "bob"), 1)

	for _, p := range []*testPeer{alice, bob} {
		assert.Zero(t, p.events.count(EventError, ""))
		assert.Zero(t, p.events.count(EventLinkFailed, ""))
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)
	alice.backend.duplicate = true
	bob.backend.duplicate = true

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	requireMesh(t, alice, bob)
	time.Sleep(50 * time.Millisecond)
	total := alice.backend.count(domain.KindAnswer) + bob.backend.count(domain.KindAnswer)
	assert.Equal(t, 1, total, "one answer for the one negotiation that won")
	assert.Zero(t, alice.events.count(EventError, ""))
	assert.Zero(t, bob.events.count(EventError, ""))
}

func TestThreeWayMeshIsolatesLinkFailure(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)
	carol := newTestPeer(t, net, backend, "carol", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	_, err = carol.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob, carol)

	conn := net.live("alice", "bob")
	require.NotNil(t, conn)
	fire := conn.stateCallback()
	require.NotNil(t, fire)
	fire(core.TransportFailed)
	fire(core.TransportFailed)

	require.Eventually(t, func() bool {
		return alice.linkState("bob") == domain.LinkClosed
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, alice.events.count(EventLinkFailed, "bob"), "exactly one notification")
	assert.Equal(t, 1, alice.events.count(EventLinkFailed, ""))
	errs := alice.events.errs(EventLinkFailed)
	assert.ErrorIs(t, errs[0], domain.ErrLinkNegotiation)
	assert.True(t, conn.isClosed())

	assert.Equal(t, domain.LinkConnected, alice.linkState("carol"))
	assert.Equal(t, domain.LinkConnected, carol.linkState("alice"))
	assert.Equal(t, domain.LinkConnected, bob.linkState("carol"))
	assert.Equal(t, domain.LinkConnected, carol.linkState("bob"))
	assert.True(t, alice.m.IsInSession(), "a link failure never ends the session")
	assert.Zero(t, alice.events.count(EventError, ""))
}

func TestLeaveReleasesMediaAndLastLeaverCleansUp(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)
	require.Equal(t, 1, bob.device.activeTracks())

	require.NoError(t, bob.m.LeaveSession(ctx))
	assert.False(t, bob.m.IsInSession())
	assert.Zero(t, bob.device.activeTracks(), "no live tracks after leave")
	assert.Zero(t, net.openCount("bob"))
	assert.Zero(t, bob.m.ActiveLinkCount())

	// not the last: record and envelopes stay
	rec, err := backend.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"alice"}, rec.Participants)
	assert.NotZero(t, backend.EnvelopeCount(s.ID()))

	require.Eventually(t, func() bool {
		return alice.linkState("bob") == domain.LinkClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, alice.events.count(EventLinkFailed, ""), "a clean leave is not a failure")
	assert.Equal(t, []domain.ParticipantID{"alice"}, alice.m.Roster())

	// the last leaver deletes everything, whoever created it
	require.NoError(t, alice.m.LeaveSession(ctx))
	_, err = backend.GetSession(ctx, s.ID())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Zero(t, backend.EnvelopeCount(s.ID()))
	assert.Zero(t, alice.device.activeTracks())
	require.Eventually(t, func() bool {
		return bob.events.count(EventSessionEnded, "") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCreatorLeavesFirst(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	require.NoError(t, alice.m.LeaveSession(ctx))
	rec, err := backend.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status, "a plain leave does not end the call")

	require.NoError(t, bob.m.LeaveSession(ctx))
	_, err = backend.GetSession(ctx, s.ID())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestEndSessionByInitiator(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	require.NoError(t, alice.m.EndSession(ctx))
	require.Eventually(t, func() bool { return !bob.m.IsInSession() }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, bob.device.activeTracks())
	require.Eventually(t, func() bool {
		_, err := backend.GetSession(ctx, s.ID())
		return errors.Is(err, domain.ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejoinReplacesLink(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	require.NoError(t, bob.m.LeaveSession(ctx))
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	requireMesh(t, alice, bob)
	links := alice.m.Current().Links()
	require.Len(t, links, 1)
	assert.Zero(t, alice.events.count(EventLinkFailed, ""))
	assert.Zero(t, bob.events.count(EventLinkFailed, ""))
	assert.Equal(t, 1, net.openCount("bob"))
}

func TestJoinRejectsMissingOrEndedSession(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	_, err := bob.m.JoinSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionStateConflict)
	assert.False(t, bob.m.IsInSession())

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, backend.SetStatus(ctx, s.ID(), domain.StatusEnded))

	_, err = bob.m.JoinSession(ctx, s.ID())
	assert.ErrorIs(t, err, domain.ErrSessionStateConflict)
	assert.False(t, bob.m.IsInSession())
	assert.Zero(t, bob.device.activeTracks(), "no partial state")
}

func TestMediaDeniedCreatesNothing(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	alice.device.block = make(chan error)

	result := make(chan error, 1)
	go func() {
		_, err := alice.m.StartSession(ctx, "room-1")
		result <- err
	}()
	// the user revokes the permission while the prompt is pending
	alice.device.block <- errors.New("permission revoked")

	select {
	case err := <-result:
		assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	assert.False(t, alice.m.IsInSession())
	sessions, err := backend.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session record without media")
}

func TestMediaAcquireHonoursContext(t *testing.T) {
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(context.Background(), "room-1")
	require.NoError(t, err)

	bob.device.block = make(chan error)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = bob.m.JoinSession(ctx, s.ID())
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := backend.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"alice"}, rec.Participants)
}

func TestSignalingOutageSuspendsNegotiation(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	cfg := testConfig
	cfg.NegotiationTimeout = 300 * time.Millisecond
	alice := newTestPeer(t, net, backend, "alice", cfg)
	bob := newTestPeer(t, net, backend, "bob", cfg)
	carol := newTestPeer(t, net, backend, "carol", cfg)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	alice.backend.failPublish.Store(true)
	_, err = carol.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.events.count(EventError, "") > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return carol.events.count(EventLinkFailed, "alice") == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	errs := alice.events.errs(EventError)
	require.Len(t, errs, 1, "one notification for the outage")
	assert.ErrorIs(t, errs[0], domain.ErrSignalingUnavailable)
	assert.True(t, alice.m.Current().Suspended())

	assert.Equal(t, domain.LinkConnected, alice.linkState("bob"), "connected links survive the outage")
	assert.Equal(t, domain.LinkConnected, bob.linkState("carol"))
	assert.Equal(t, domain.LinkClosed, alice.linkState("carol"))
	assert.Zero(t, alice.events.count(EventLinkFailed, ""))
}

func TestNegotiationTimeout(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.silence("bob")
	backend := newTestStore(t)
	cfg := testConfig
	cfg.NegotiationTimeout = 200 * time.Millisecond
	alice := newTestPeer(t, net, backend, "alice", cfg)
	bob := newTestPeer(t, net, backend, "bob", cfg)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.events.count(EventLinkFailed, "bob") == 1 &&
			bob.events.count(EventLinkFailed, "alice") == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, alice.events.count(EventLinkFailed, ""), "no retry, no repeat")
	assert.Equal(t, domain.LinkClosed, alice.linkState("bob"))
	assert.True(t, alice.m.IsInSession())
}

func TestToggleMute(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	_, err := alice.m.ToggleLocalAudioMute()
	assert.ErrorIs(t, err, domain.ErrSessionStateConflict)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	muted, err := alice.m.ToggleLocalAudioMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, net.live("alice", "bob").audioEnabled())

	muted, err = alice.m.ToggleLocalAudioMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, net.live("alice", "bob").audioEnabled())
}

func TestRingingRejectAndJoinOrStart(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)
	carol := newTestPeer(t, net, backend, "carol", testConfig)
	dave := newTestPeer(t, net, backend, "dave", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1", WithRinging())
	require.NoError(t, err)
	rec, err := backend.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRinging, rec.Status)
	assert.Equal(t, "alice", rec.InitiatorName)

	require.NoError(t, carol.m.RejectSession(ctx, s.ID()))
	assert.ErrorIs(t, carol.m.RejectSession(ctx, "missing"), domain.ErrSessionStateConflict)

	joined, err := bob.m.JoinOrStart(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID(), joined.ID())

	rec, err = backend.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, []domain.ParticipantID{"carol"}, rec.RejectedBy)
	requireMesh(t, alice, bob)

	other, err := dave.m.JoinOrStart(ctx, "room-2")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), other.ID())
	require.Eventually(t, func() bool { return len(dave.m.Roster()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.ParticipantID{"dave"}, dave.m.Roster())

	_, err = dave.m.StartSession(ctx, "room-3")
	assert.ErrorIs(t, err, ErrAlreadyInSession)
	assert.ErrorIs(t, err, domain.ErrSessionStateConflict)
	assert.Equal(t, 1, dave.device.acquired(), "busy check happens before media")
}

func TestOffersWaitOutConnectionLoss(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := &outageBackend{Backend: newTestStore(t)}
	alice := newPeerOn(t, net, backend, "alice", testConfig)
	bob := newPeerOn(t, net, backend, "bob", testConfig)
	carol := newPeerOn(t, net, backend, "carol", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	lost := fmt.Errorf("%w: hub connection lost", domain.ErrSignalingUnavailable)
	backend.set(lost)
	require.Eventually(t, func() bool {
		return alice.events.count(EventError, "") == 1 && bob.events.count(EventError, "") == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, alice.m.Current().Suspended())

	// carol's offers reach suspended peers, which hold them
	_, err = carol.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.linkState("carol") == domain.LinkClosed && carol.linkState("alice") == domain.LinkOffering
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.LinkClosed, alice.linkState("carol"), "no answer while suspended")
	assert.Equal(t, domain.LinkConnected, alice.linkState("bob"), "connected links carry on")

	backend.set(nil)
	requireMesh(t, alice, bob, carol)
	assert.Equal(t, 1, alice.events.count(EventSignalingRestored, ""))
	assert.False(t, alice.m.Current().Suspended())
	assert.Len(t, alice.events.errs(EventError), 1, "one notification for the outage")
	assert.Zero(t, carol.events.count(EventLinkFailed, ""))
}

func TestWatchIncoming(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)
	carol := newTestPeer(t, net, backend, "carol", testConfig)

	for _, p := range []*testPeer{alice, bob} {
		w, err := p.m.WatchIncoming(ctx, "room-1")
		require.NoError(t, err)
		t.Cleanup(w.Close)
	}

	s, err := alice.m.StartSession(ctx, "room-1", WithRinging())
	require.NoError(t, err)

	// a watch opened after the call started still hears it ring
	w, err := carol.m.WatchIncoming(ctx, "room-1")
	require.NoError(t, err)
	t.Cleanup(w.Close)

	require.Eventually(t, func() bool {
		return bob.events.count(EventIncomingCall, "alice") == 1 && carol.events.count(EventIncomingCall, "alice") == 1
	}, time.Second, 10*time.Millisecond)
	e, ok := bob.events.last(EventIncomingCall)
	require.True(t, ok)
	assert.Equal(t, s.ID(), e.Session)
	assert.Equal(t, domain.RoomID("room-1"), e.Room)
	assert.Equal(t, "alice", e.Caller)
	assert.Zero(t, alice.events.count(EventIncomingCall, ""), "the caller is not rung")

	require.NoError(t, carol.m.RejectSession(ctx, s.ID()))
	require.Eventually(t, func() bool {
		return carol.events.count(EventIncomingCallCleared, "") == 1
	}, time.Second, 10*time.Millisecond)

	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.events.count(EventIncomingCallCleared, "") == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, carol.events.count(EventIncomingCall, ""))
	assert.Equal(t, 1, carol.events.count(EventIncomingCallCleared, ""))
	assert.Equal(t, 1, bob.events.count(EventIncomingCall, ""))
}

func TestDepartedMemberStateIsDropped(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	backend := newTestStore(t)
	alice := newTestPeer(t, net, backend, "alice", testConfig)
	bob := newTestPeer(t, net, backend, "bob", testConfig)

	s, err := alice.m.StartSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.m.JoinSession(ctx, s.ID())
	require.NoError(t, err)
	requireMesh(t, alice, bob)

	bobEpoch := bob.m.Current().epoch
	seenFrom := func(epoch string) bool {
		var ok bool
		require.NoError(t, s.call(func() { _, ok = s.seen[epoch] }))
		return ok
	}
	assert.True(t, seenFrom(bobEpoch), "envelope ids are kept per sender epoch")

	require.NoError(t, bob.m.LeaveSession(ctx))
	require.Eventually(t, func() bool { return !seenFrom(bobEpoch) }, 2*time.Second, 10*time.Millisecond)
	var parked int
	require.NoError(t, s.call(func() { parked = s.registry.parkedCount("bob") }))
	assert.Zero(t, parked)
}
