package battle

import (
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrGameplayPaused = errors.New("battle: gameplay is paused")

type EntryKind string

const (
	EntryUser   EntryKind = "user"
	EntrySystem EntryKind = "system"
)

// Entry is one line of the battle chat log.
type Entry struct {
	ID     string
	Kind   EntryKind
	Author string
	Text   string
	At     time.Time
}

// Runtime holds in-battle state: the chat log, the pause flag that gates
// run and submit, and the remaining time. The server's timer_sync is the
// source of truth for time; local ticks only animate between syncs.
type Runtime struct {
	selfID int64
	now    func() time.Time

	mu       sync.Mutex
	entries  []Entry
	paused   bool
	timeLeft int
	synced   bool
}

func NewRuntime(selfID int64, timeLimit int) *Runtime {
	return &Runtime{selfID: selfID, now: time.Now, timeLeft: timeLimit}
}

// AddChat appends a chat message. Messages from selfID are attributed to
// "You".
func (r *Runtime) AddChat(from int64, text string) Entry {
	author := "Opponent"
	if from == r.selfID {
		author = "You"
	}
	return r.append(EntryUser, author, text)
}

// AddSystem appends a system message.
func (r *Runtime) AddSystem(text string) Entry {
	return r.append(EntrySystem, "System", text)
}

// Warning converts a system_warning about a participant into a system entry.
func (r *Runtime) Warning(w proto.SystemWarning) Entry {
	who := "Opponent"
	if w.UserID == r.selfID {
		who = "You"
	}

	var text string
	switch w.Event {
	case "tab_switch", "visibility_hidden":
		text = fmt.Sprintf("%s switched away from the battle tab", who)
	case "focus_lost", "blur":
		text = fmt.Sprintf("%s left the battle window", who)
	case "paste":
		text = fmt.Sprintf("%s pasted into the editor", who)
	default:
		text = fmt.Sprintf("%s triggered a %s warning", who, w.Event)
	}
	if w.Count > 0 {
		text = fmt.Sprintf("%s (%d)", text, w.Count)
	}
	return r.AddSystem(text)
}

func (r *Runtime) append(kind EntryKind, author, text string) Entry {
	e := Entry{ID: uuid.NewString(), Kind: kind, Author: author, Text: text, At: r.now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return e
}

func (r *Runtime) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Runtime) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

func (r *Runtime) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// CanRun reports whether code may be executed right now.
func (r *Runtime) CanRun() error {
	if r.Paused() {
		return ErrGameplayPaused
	}
	return nil
}

// CanSubmit reports whether a solution may be submitted right now.
func (r *Runtime) CanSubmit() error {
	return r.CanRun()
}

// Sync replaces the displayed time with the server's value.
func (r *Runtime) Sync(timeLeft int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeLeft < 0 {
		timeLeft = 0
	}
	r.timeLeft = timeLeft
	r.synced = true
}

// Tick advances the displayed time by one second unless paused.
func (r *Runtime) Tick() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused && r.timeLeft > 0 {
		r.timeLeft--
	}
	return r.timeLeft
}

func (r *Runtime) TimeLeft() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeLeft
}

// Synced reports whether any timer_sync has been applied.
func (r *Runtime) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}
