package player

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Connection is an interface that abstracts the websocket connection.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// Player is one authenticated participant connected to the relay.
type Player struct {
	ID       int64
	Conn     Connection
	Status   Status
	LastSeen time.Time

	writeMu sync.Mutex
}

func NewPlayer(id int64, conn Connection) *Player {
	return &Player{ID: id, Conn: conn, Status: StatusConnected, LastSeen: time.Now()}
}

// Send writes v as one JSON text frame.
func (p *Player) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Write(data)
}

// Write sends an already encoded text frame. Writes are serialized because
// websocket connections allow only one concurrent writer.
func (p *Player) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Player) Ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Conn.WriteMessage(websocket.PingMessage, nil)
}
