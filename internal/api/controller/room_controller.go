package controller

import (
	"context"
	"ctchen222/code-battle/internal/api/response"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RoomService frees custom room seats.
type RoomService interface {
	LeaveRoom(ctx context.Context, roomID string, userID int64) error
}

// RoomController handles custom room endpoints.
type RoomController struct {
	rooms RoomService
}

func NewRoomController(rooms RoomService) *RoomController {
	return &RoomController{rooms: rooms}
}

// Leave frees the caller's seat in a custom room.
func (rc *RoomController) Leave(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := rc.rooms.LeaveRoom(c.Request.Context(), roomID, UserID(c)); err != nil {
		response.ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessResponse(c, gin.H{"room_id": roomID})
}
