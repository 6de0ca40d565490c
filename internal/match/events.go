package match

import (
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/pkg/proto"
)

// event is anything the controller loop reacts to. Events from async work
// carry the id of the session that started it so results that arrive after
// a teardown are dropped.
type event interface{ isEvent() }

type (
	messageEvent struct{ env proto.Envelope }
	closedEvent  struct {
		url string
		err error
	}
	connectedEvent struct {
		url string
		err error
	}
	tickEvent struct {
		key timerKey
		gen uint64
	}
	capturedEvent struct {
		session uint64
		track   media.Track
		err     error
	}
	trackEndedEvent struct {
		session uint64
		track   media.Track
	}
	mediaStateEvent struct {
		session uint64
		state   peer.MediaState
	}
	remoteTrackEvent struct {
		session uint64
		track   peer.RemoteTrack
	}
	verdictEvent struct {
		session uint64
		action  string
		verdict *backend.Verdict
		err     error
	}
	leftRoomEvent struct {
		session uint64
		err     error
	}
	resumeEvent struct {
		game *history.ActiveGame
		err  error
	}
)

// User actions.
type (
	joinQueueAction    struct{}
	joinRoomAction     struct{ roomID string }
	resumeAction       struct{}
	acceptAction       struct{}
	declineAction      struct{}
	startShareAction   struct{}
	confirmReadyAction struct{}
	continueSoloAction struct{}
	leaveAction        struct{}
	surrenderAction    struct{}
	chatAction         struct{ text string }
	codeAction         struct {
		action string
		req    backend.CodeRequest
	}
	returnToLobbyAction struct{}
	closeAction         struct{}
)

func (messageEvent) isEvent()        {}
func (closedEvent) isEvent()         {}
func (connectedEvent) isEvent()      {}
func (tickEvent) isEvent()           {}
func (capturedEvent) isEvent()       {}
func (trackEndedEvent) isEvent()     {}
func (mediaStateEvent) isEvent()     {}
func (remoteTrackEvent) isEvent()    {}
func (verdictEvent) isEvent()        {}
func (leftRoomEvent) isEvent()       {}
func (resumeEvent) isEvent()         {}
func (joinQueueAction) isEvent()     {}
func (joinRoomAction) isEvent()      {}
func (resumeAction) isEvent()        {}
func (acceptAction) isEvent()        {}
func (declineAction) isEvent()       {}
func (startShareAction) isEvent()    {}
func (confirmReadyAction) isEvent()  {}
func (continueSoloAction) isEvent()  {}
func (leaveAction) isEvent()         {}
func (surrenderAction) isEvent()     {}
func (chatAction) isEvent()          {}
func (codeAction) isEvent()          {}
func (returnToLobbyAction) isEvent() {}
func (closeAction) isEvent()         {}
