package match

import (
	"context"
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/battle"
	"ctchen222/code-battle/internal/db"
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newHistory(t *testing.T) history.Store {
	t.Helper()
	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	store, err := history.NewStore(context.Background(), pool)
	require.NoError(t, err)
	return store
}

func sentResult(t *testing.T, h *harness) proto.MatchResult {
	t.Helper()
	results := h.sig.sentOf(t, proto.TypeMatchResult)
	require.Len(t, results, 1)
	var res proto.MatchResult
	require.NoError(t, results[0].Payload(&res))
	return res
}

func finished(t *testing.T, h *harness) Finished {
	t.Helper()
	st, ok := h.c.State().(Finished)
	require.True(t, ok, "expected finished, got %s", h.phase())
	return st
}

func TestController_RankedHandshakeReachesBattle(t *testing.T) {
	h := newHarness(t)

	h.c.JoinQueue()
	h.drain()
	assert.Equal(t, PhaseQueued, h.phase())
	assert.Equal(t, h.c.deps.Endpoints.Queue(selfID), h.sig.lastConnect())

	h.deliver(t, `{"type":"match_found","match_id":"m-1","time_limit":20,"opponent_ids":[1,2]}`)
	found, ok := h.c.State().(Found)
	require.True(t, ok)
	assert.Equal(t, "m-1", found.MatchID)
	assert.Equal(t, []int64{opponentID}, found.Opponents)
	assert.Equal(t, h.clock.Now().Add(20*time.Second), found.Deadline)

	h.c.Accept()
	h.drain()
	accepts := h.sig.sentOf(t, proto.TypeMatchAccept)
	require.Len(t, accepts, 1)
	var decision proto.MatchDecision
	require.NoError(t, accepts[0].Payload(&decision))
	assert.Equal(t, "m-1", decision.MatchID)
	assert.Equal(t, PhaseAccepted, h.phase())

	h.deliver(t, `{"type":"match_accepted","game_id":"g-1","problem":{"title":"Two Sum"}}`)
	assert.Equal(t, Setup{GameID: "g-1"}, h.c.State())
	assert.Equal(t, h.c.deps.Endpoints.Game("g-1", selfID), h.sig.lastConnect())
	assert.Equal(t, []proto.SignalType{proto.SignalJoin}, h.sig.signalsSent(t))
	assert.Empty(t, h.sig.sentOf(t, proto.TypeGetProblem))
	problem, ok := h.lastOf(UpdateProblem)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Two Sum"}`, problem.Text)

	h.share(t)
	assert.Equal(t, Battle{GameID: "g-1"}, h.c.State())
	assert.Equal(t, []proto.SignalType{proto.SignalJoin, proto.SignalJoin}, h.sig.signalsSent(t), "the larger id asks for offers")
	assert.Len(t, h.sig.sentOf(t, proto.TypeScreenShareStarted), 1)
	assert.Len(t, h.sig.sentOf(t, proto.TypePlayerReady), 1)
	require.Len(t, h.pcs, 1)
	assert.Len(t, h.pc().Senders(), 1)
}

func TestController_AcceptWindowExpires(t *testing.T) {
	h := newHarness(t)
	h.c.JoinQueue()
	h.drain()
	h.deliver(t, `{"type":"match_found","match_id":"m-1","time_limit":20,"opponent_ids":[1]}`)

	h.advance(19)
	assert.Equal(t, PhaseFound, h.phase())

	h.advance(1)
	st := finished(t, h)
	assert.Equal(t, ResultCancelled, st.Outcome.Result)
	assert.Equal(t, "accept window expired", st.Outcome.Reason)
	assert.Len(t, h.sig.sentOf(t, proto.TypeMatchDecline), 1)
}

func TestController_AcceptedWaitsForServerVerdict(t *testing.T) {
	h := newHarness(t)
	h.c.JoinQueue()
	h.drain()
	h.deliver(t, `{"type":"match_found","match_id":"m-1","time_limit":20,"opponent_ids":[1]}`)
	h.c.Accept()
	h.drain()

	h.advance(25)
	assert.Equal(t, PhaseAccepted, h.phase())
	assert.Empty(t, h.sig.sentOf(t, proto.TypeMatchDecline))

	h.deliver(t, `{"type":"match_cancelled","reason":"opponent declined"}`)
	st := finished(t, h)
	assert.Equal(t, ResultCancelled, st.Outcome.Result)
	assert.Equal(t, "opponent declined", st.Outcome.Reason)
}

func TestController_Decline(t *testing.T) {
	h := newHarness(t)
	h.c.JoinQueue()
	h.drain()
	h.deliver(t, `{"type":"match_found","match_id":"m-1","opponent_ids":[1]}`)

	h.c.Decline()
	h.drain()

	assert.Equal(t, ResultCancelled, finished(t, h).Outcome.Result)
	assert.Len(t, h.sig.sentOf(t, proto.TypeMatchDecline), 1)

	// The accept timer died with the match.
	h.advance(30)
	assert.Len(t, h.sig.sentOf(t, proto.TypeMatchDecline), 1)
}

func TestController_CaptureOfWindowIsRejected(t *testing.T) {
	h := newHarness(t)
	h.capture.surface = media.SurfaceWindow
	h.toSetup(t)

	h.c.StartShare()
	h.drain()

	track := h.capture.last()
	require.NotNil(t, track)
	assert.True(t, track.stopped())
	assert.Equal(t, []proto.SignalType{proto.SignalJoin}, h.sig.signalsSent(t), "no offer for a rejected capture")
	assert.Empty(t, h.sig.sentOf(t, proto.TypeScreenShareStarted))
	assert.Empty(t, h.pc().Senders())

	status, ok := h.lastOf(UpdateStatus)
	require.True(t, ok)
	assert.Equal(t, screenshare.Self, status.Side)
	assert.Equal(t, screenshare.StatusInvalid, status.Status)
}

func TestController_CountdownAbortsWhenMediaDrops(t *testing.T) {
	h := newHarness(t)
	h.toSetup(t)
	h.c.StartShare()
	h.drain()
	h.deliver(t, `{"type":"screen_share_started","from":1}`)
	h.pc().EmitConnectionState(webrtc.PeerConnectionStateConnected)
	h.drain()
	h.c.ConfirmReady()
	h.drain()
	h.deliver(t, `{"type":"player_ready","from":1}`)

	countdown, ok := h.lastOf(UpdateCountdown)
	require.True(t, ok)
	assert.Equal(t, 3, countdown.Remaining)

	h.advance(1)
	h.pc().EmitConnectionState(webrtc.PeerConnectionStateFailed)
	h.drain()
	h.advance(5)

	assert.Equal(t, PhaseSetup, h.phase())
	for _, u := range h.updates {
		if u.Kind == UpdateCountdown {
			assert.NotZero(t, u.Remaining, "countdown must not reach zero")
		}
	}
}

func TestController_RemoteTrackMarksOpponentSharing(t *testing.T) {
	h := newHarness(t)
	h.toSetup(t)

	h.pc().EmitTrack(peer.RemoteTrack{ID: "screen-1", StreamID: "screen", Kind: "video"})
	h.drain()

	status, ok := h.lastOf(UpdateStatus)
	require.True(t, ok)
	assert.Equal(t, screenshare.Opponent, status.Side)
	assert.Equal(t, screenshare.StatusSharing, status.Status)

	h.pc().EmitConnectionState(webrtc.PeerConnectionStateConnected)
	h.drain()
	status, _ = h.lastOf(UpdateStatus)
	assert.Equal(t, screenshare.StatusConnected, status.Status)
}

func TestController_RecoveryTimeoutSurrenders(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.deliver(t, `{"type":"screen_share_stopped","from":1}`)
	assert.Equal(t, Battle{GameID: "g-1", Paused: true}, h.c.State())

	h.advance(59)
	assert.Equal(t, PhaseBattle, h.phase())
	assert.Empty(t, h.sig.sentOf(t, proto.TypeMatchResult))

	h.advance(1)
	res := sentResult(t, h)
	assert.Equal(t, proto.ReasonSurrender, res.Reason)
	require.NotNil(t, res.Winner)
	assert.Equal(t, selfID, *res.Winner)

	st := finished(t, h)
	assert.Equal(t, ResultWin, st.Outcome.Result)
	assert.True(t, h.pc().Closed())
	assert.True(t, h.capture.last().stopped())
}

func TestController_PausedBattleGatesCode(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)
	req := backend.CodeRequest{Language: "go", Code: "package main"}

	h.deliver(t, `{"type":"screen_share_stopped","from":1}`)
	h.c.SubmitCode(req)
	h.drain()
	failure, ok := h.lastOf(UpdateError)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrGameplayPaused)

	h.deliver(t, `{"type":"screen_share_started","from":1}`)
	assert.Equal(t, Battle{GameID: "g-1"}, h.c.State())

	h.backend.EXPECT().Submit(gomock.Any(), "g-1", req).Return(&backend.Verdict{Status: "accepted", Passed: 3, Total: 3}, nil)
	h.c.SubmitCode(req)
	h.drain()
	verdict, ok := h.lastOf(UpdateVerdict)
	require.True(t, ok)
	assert.True(t, verdict.Verdict.Accepted())
}

func joinCustomRoom(t *testing.T, h *harness) {
	t.Helper()
	h.c.JoinRoom("r-1")
	h.drain()
	assert.Equal(t, Queued{RoomID: "r-1"}, h.c.State())
	assert.Equal(t, h.c.deps.Endpoints.Room("r-1", selfID), h.sig.lastConnect())

	h.deliver(t, `{"type":"room_info_update","room_id":"r-1","players":[{"user_id":2},{"user_id":1}]}`)
	h.deliver(t, `{"type":"game_start","game_id":"g-7"}`)
	assert.Equal(t, Setup{GameID: "g-7"}, h.c.State())
	require.Len(t, h.sig.sentOf(t, proto.TypeGetProblem), 1)

	h.deliver(t, `{"type":"get_problem","game_id":"g-7","problem":{"title":"FizzBuzz"}}`)
	_, ok := h.lastOf(UpdateProblem)
	require.True(t, ok)

	h.share(t)
}

func TestController_WinOnFinishLeavesCustomRoomFirst(t *testing.T) {
	h := newHarness(t)
	var order []string
	h.c.Subscribe(func(u Update) {
		if u.Kind == UpdatePhase && u.State.Phase() == PhaseFinished {
			order = append(order, "finished")
		}
	})
	h.backend.EXPECT().LeaveRoom(gomock.Any(), "r-1").DoAndReturn(func(ctx context.Context, roomID string) error {
		assert.Equal(t, PhaseBattle, h.phase())
		order = append(order, "leave")
		return nil
	}).Times(1)

	joinCustomRoom(t, h)
	h.deliver(t, `{"type":"match_result","winner":2,"reason":"finish","plus_mmr":12}`)
	h.deliver(t, `{"type":"match_result","winner":2,"reason":"finish","plus_mmr":12}`)

	assert.Equal(t, []string{"leave", "finished"}, order)
	st := finished(t, h)
	assert.Equal(t, ResultWin, st.Outcome.Result)
	assert.Equal(t, proto.ReasonFinish, st.Outcome.Reason)
	assert.Equal(t, 12, st.Outcome.PlusMMR)
}

func TestController_LossInCustomRoomDoesNotLeave(t *testing.T) {
	h := newHarness(t)
	joinCustomRoom(t, h)

	h.deliver(t, `{"type":"match_result","winner":1,"reason":"finish","minus_mmr":8}`)

	st := finished(t, h)
	assert.Equal(t, ResultLoss, st.Outcome.Result)
	assert.Equal(t, 8, st.Outcome.MinusMMR)
}

func TestController_FirstResultWins(t *testing.T) {
	ctx := context.Background()
	store := newHistory(t)
	h := newHarness(t, func(d *Deps) { d.History = store })

	h.toSetup(t)
	active, err := store.ActiveGame(ctx, selfID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "g-1", active.GameID)
	assert.Equal(t, string(MatchRanked), active.MatchType)

	h.share(t)
	h.deliver(t, `{"type":"match_result","winner":1,"reason":"finish"}`)
	h.deliver(t, `{"type":"match_result","winner":2,"reason":"surrender"}`)

	st := finished(t, h)
	assert.Equal(t, ResultLoss, st.Outcome.Result)
	assert.Equal(t, proto.ReasonFinish, st.Outcome.Reason)

	results, err := store.Recent(ctx, selfID, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "loss", results[0].Outcome)
	assert.Equal(t, int64(opponentID), results[0].Winner.Int64)

	active, err = store.ActiveGame(ctx, selfID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestController_DrawAndGameOver(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.deliver(t, `{"type":"game_over","winner":null}`)

	st := finished(t, h)
	assert.Equal(t, ResultDraw, st.Outcome.Result)
	assert.Equal(t, proto.ReasonTimeout, st.Outcome.Reason)
}

func TestController_TimerSyncIsAuthoritative(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.deliver(t, `{"type":"timer_sync","timeLeft":45}`)
	h.advance(3)
	timer, _ := h.lastOf(UpdateTimer)
	assert.Equal(t, 42, timer.Remaining)

	h.deliver(t, `{"type":"timer_sync","timeLeft":38}`)
	timer, _ = h.lastOf(UpdateTimer)
	assert.Equal(t, 38, timer.Remaining)
	assert.Equal(t, 38, h.c.sess.runtime.TimeLeft())

	h.advance(1)
	timer, _ = h.lastOf(UpdateTimer)
	assert.Equal(t, 37, timer.Remaining)
}

func TestController_ChatAndWarnings(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.c.SendChat("gl hf")
	h.drain()
	chats := h.sig.sentOf(t, proto.TypeChat)
	require.Len(t, chats, 1)
	var msg proto.Chat
	require.NoError(t, chats[0].Payload(&msg))
	assert.Equal(t, "gl hf", msg.Message)
	mine, _ := h.lastOf(UpdateChat)
	assert.Equal(t, "You", mine.Entry.Author)

	h.deliver(t, `{"type":"chat","from":1,"message":"you too"}`)
	theirs, _ := h.lastOf(UpdateChat)
	assert.Equal(t, "Opponent", theirs.Entry.Author)
	assert.Equal(t, "you too", theirs.Entry.Text)

	h.deliver(t, `{"type":"system_warning","user_id":1,"event":"tab_switch","count":2}`)
	warning, _ := h.lastOf(UpdateChat)
	assert.Equal(t, battle.EntrySystem, warning.Entry.Kind)
	assert.Equal(t, "Opponent switched away from the battle tab (2)", warning.Entry.Text)

	h.deliver(t, `{"type":"chat","from":2,"message":"echo"}`)
	last, _ := h.lastOf(UpdateChat)
	assert.Equal(t, warning.Entry.ID, last.Entry.ID, "own messages relayed back are ignored")
}

func TestController_MalformedPayloadIsDropped(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.deliver(t, `{"type":"match_result","winner":1,"reason":"forfeit"}`)
	h.deliver(t, `{"type":"webrtc_signal","from":1,"signal":{"type":"offer"}}`)

	assert.Equal(t, PhaseBattle, h.phase())
}

func TestController_ConnectionLossBeforeAcceptance(t *testing.T) {
	h := newHarness(t)
	h.c.JoinQueue()
	h.drain()
	h.deliver(t, `{"type":"match_found","match_id":"m-1","opponent_ids":[1]}`)

	h.dropConnection()

	assert.Equal(t, Idle{}, h.c.State())
	notice, ok := h.lastOf(UpdateNotice)
	require.True(t, ok)
	assert.Equal(t, "Connection to the server was lost.", notice.Text)
}

func TestController_ConnectionLossInBattleReconnects(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)
	before := len(h.sig.connects)

	h.dropConnection()

	assert.Equal(t, PhaseBattle, h.phase())
	assert.Len(t, h.sig.connects, before+1)
	assert.Equal(t, h.c.deps.Endpoints.Game("g-1", selfID), h.sig.lastConnect())
	assert.Equal(t, []proto.SignalType{proto.SignalJoin, proto.SignalJoin, proto.SignalJoin}, h.sig.signalsSent(t))
	assert.Len(t, h.sig.sentOf(t, proto.TypeScreenShareStarted), 2, "the live share is announced again")
	assert.Len(t, h.sig.sentOf(t, proto.TypePlayerReady), 1)
}

func TestController_ReconnectInSetupReannouncesReady(t *testing.T) {
	h := newHarness(t)
	h.toSetup(t)
	h.c.StartShare()
	h.drain()
	h.c.ConfirmReady()
	h.drain()
	require.Len(t, h.sig.sentOf(t, proto.TypePlayerReady), 1)

	h.dropConnection()

	assert.Equal(t, PhaseSetup, h.phase())
	assert.Len(t, h.sig.sentOf(t, proto.TypeScreenShareStarted), 2)
	assert.Len(t, h.sig.sentOf(t, proto.TypePlayerReady), 2)
}

func TestController_OpponentRejoinWithShareAvoidsSurrender(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)
	before := len(h.sig.signalsSent(t))

	h.deliver(t, `{"type":"opponent_left"}`)
	assert.Equal(t, Battle{GameID: "g-1", Paused: true}, h.c.State())
	h.advance(10)

	h.deliver(t, `{"type":"opponent_rejoined"}`)
	h.deliver(t, `{"type":"webrtc_signal","from":1,"signal":{"type":"join"}}`)
	signals := h.sig.signalsSent(t)[before:]
	require.NotEmpty(t, signals)
	for _, sig := range signals {
		assert.Equal(t, proto.SignalJoin, sig, "only the smaller id offers")
	}

	h.deliver(t, `{"type":"screen_share_started","from":1}`)
	assert.Equal(t, Battle{GameID: "g-1"}, h.c.State())

	h.advance(60)
	assert.Equal(t, PhaseBattle, h.phase())
	assert.Empty(t, h.sig.sentOf(t, proto.TypeMatchResult))
}

func TestController_SmallerIDOffers(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Auth = staticAuth(opponentID) })
	h.toSetup(t)
	require.Equal(t, peer.RoleOfferer, h.c.sess.negotiator.Role())

	h.c.StartShare()
	h.drain()

	assert.Equal(t, []proto.SignalType{proto.SignalJoin, proto.SignalOffer}, h.sig.signalsSent(t))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, h.pc().SignalingState())
}

func TestController_ResumeLearnsRoleFromFirstMessage(t *testing.T) {
	ctx := context.Background()
	store := newHistory(t)
	require.NoError(t, store.SaveActiveGame(ctx, history.ActiveGame{UserID: opponentID, GameID: "g-9", MatchType: "ranked"}))
	h := newHarness(t, func(d *Deps) {
		d.History = store
		d.Auth = staticAuth(opponentID)
	})

	h.c.ResumeGame()
	h.drain()
	require.Equal(t, PhaseSetup, h.phase())
	assert.Equal(t, peer.RoleUnknown, h.c.sess.negotiator.Role())
	assert.Equal(t, []proto.SignalType{proto.SignalJoin}, h.sig.signalsSent(t))

	h.deliver(t, `{"type":"webrtc_signal","from":2,"signal":{"type":"join"}}`)

	assert.Equal(t, peer.RoleOfferer, h.c.sess.negotiator.Role())
	signals := h.sig.signalsSent(t)
	require.GreaterOrEqual(t, len(signals), 2)
	assert.Equal(t, proto.SignalOffer, signals[1])
	assert.NotContains(t, signals[1:], proto.SignalJoin)

	active, err := store.ActiveGame(ctx, opponentID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, selfID, active.OpponentID)
}

func TestController_ReconnectRetriesAfterDialFailure(t *testing.T) {
	h := newHarness(t)
	h.toSetup(t)
	before := len(h.sig.connects)

	h.sig.connectErr = errors.New("connection refused")
	h.dropConnection()
	assert.Len(t, h.sig.connects, before+1)
	notice, _ := h.lastOf(UpdateNotice)
	assert.Equal(t, "Connection lost, retrying.", notice.Text)

	h.sig.connectErr = nil
	h.advance(2)
	assert.Len(t, h.sig.connects, before+2)
	assert.Len(t, h.sig.signalsSent(t), 2)
}

func TestController_OpponentLeftThenContinueSolo(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.deliver(t, `{"type":"opponent_left"}`)
	_, ok := h.lastOf(UpdatePrompt)
	assert.True(t, ok)
	assert.Equal(t, Battle{GameID: "g-1", Paused: true}, h.c.State())

	h.c.ContinueSolo()
	h.drain()
	assert.Equal(t, Battle{GameID: "g-1"}, h.c.State())

	h.advance(60)
	assert.Equal(t, PhaseBattle, h.phase())
	assert.Empty(t, h.sig.sentOf(t, proto.TypeMatchResult))
}

func TestController_LocalShareEndedPausesAndReshareReplacesTrack(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.capture.last().Stop()
	require.Eventually(t, func() bool {
		h.drain()
		st, ok := h.c.State().(Battle)
		return ok && st.Paused
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.sig.sentOf(t, proto.TypeScreenShareStopped), 1)

	h.c.StartShare()
	h.drain()

	assert.Equal(t, Battle{GameID: "g-1"}, h.c.State())
	senders := h.pc().Senders()
	require.Len(t, senders, 1)
	assert.Equal(t, 1, senders[0].Replaced())
	assert.Len(t, h.sig.sentOf(t, proto.TypeScreenShareStarted), 2)
}

func TestController_ResumeGame(t *testing.T) {
	ctx := context.Background()
	store := newHistory(t)
	require.NoError(t, store.SaveActiveGame(ctx, history.ActiveGame{UserID: selfID, GameID: "g-9", MatchType: "custom", RoomID: "r-3", OpponentID: opponentID}))
	h := newHarness(t, func(d *Deps) { d.History = store })

	h.c.ResumeGame()
	h.drain()

	assert.Equal(t, Setup{GameID: "g-9"}, h.c.State())
	assert.Equal(t, h.c.deps.Endpoints.Game("g-9", selfID), h.sig.lastConnect())
	assert.Len(t, h.sig.sentOf(t, proto.TypeGetProblem), 1)
	assert.Equal(t, MatchCustom, h.c.sess.matchType)
	assert.Equal(t, "r-3", h.c.sess.roomID)
	assert.Equal(t, opponentID, h.c.sess.opponentID())
	assert.Equal(t, peer.RoleAnswerer, h.c.sess.negotiator.Role())
}

func TestController_ResumeWithoutActiveGame(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.History = newHistory(t) })

	h.c.ResumeGame()
	h.drain()

	assert.Equal(t, Idle{}, h.c.State())
	notice, ok := h.lastOf(UpdateNotice)
	require.True(t, ok)
	assert.Equal(t, "No unfinished game to resume.", notice.Text)
}

func TestController_SurrenderThenReturnToLobby(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t)

	h.c.Surrender()
	h.drain()

	res := sentResult(t, h)
	assert.Equal(t, proto.ReasonSurrender, res.Reason)
	require.NotNil(t, res.Winner)
	assert.Equal(t, opponentID, *res.Winner)
	assert.Equal(t, ResultLoss, finished(t, h).Outcome.Result)
	assert.True(t, h.pc().Closed())

	h.c.ReturnToLobby()
	h.drain()
	assert.Equal(t, Idle{}, h.c.State())
	assert.NotZero(t, h.sig.disconnects)
}

func TestController_RejectsActionsOutOfPhase(t *testing.T) {
	h := newHarness(t)

	h.c.Accept()
	h.drain()
	failure, ok := h.lastOf(UpdateError)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrInvalidPhase)

	h.toSetup(t)
	h.c.RunCode(backend.CodeRequest{Code: "print(1)"})
	h.drain()
	failure, _ = h.lastOf(UpdateError)
	assert.ErrorIs(t, failure.Err, ErrInvalidPhase)
}

func TestController_RunStopsOnClose(t *testing.T) {
	h := newHarness(t)
	h.c.exec = func(f func()) { go f() }

	done := make(chan struct{})
	go func() {
		h.c.Run(context.Background())
		close(done)
	}()
	h.c.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller loop did not stop after Close")
	}
}

func TestController_RunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller loop did not stop after cancel")
	}
}
