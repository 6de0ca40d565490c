package signaling

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Endpoints derives signaling URLs from a ws base URL. The same inputs always
// yield the same URL, which is what makes Connect idempotent across callers.
type Endpoints struct {
	Base  string
	Token string
}

func (e Endpoints) Queue(userID int64) string {
	return e.build("/ws/queue", userID)
}

func (e Endpoints) Room(roomID string, userID int64) string {
	return e.build("/ws/room/"+url.PathEscape(roomID), userID)
}

func (e Endpoints) Game(gameID string, userID int64) string {
	return e.build("/ws/game/"+url.PathEscape(gameID), userID)
}

func (e Endpoints) build(path string, userID int64) string {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	if e.Token != "" {
		q.Set("token", e.Token)
	}
	return fmt.Sprintf("%s%s?%s", strings.TrimRight(e.Base, "/"), path, q.Encode())
}

// redact drops the auth token from a URL before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
