package controller

import (
	"ctchen222/code-battle/internal/api/models"
	"ctchen222/code-battle/internal/api/response"
	"ctchen222/code-battle/internal/api/service"
	"ctchen222/code-battle/internal/repository"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GameController handles code runs, submissions and game lookup.
type GameController struct {
	judge   service.JudgeService
	players repository.PlayerRepository
}

func NewGameController(judge service.JudgeService, players repository.PlayerRepository) *GameController {
	return &GameController{judge: judge, players: players}
}

func (gc *GameController) Run(c *gin.Context) {
	var req models.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	v, err := gc.judge.Run(c.Request.Context(), UserID(c), c.Param("gameId"), &req)
	if err != nil {
		response.ErrorResponse(c, statusFor(err), err.Error())
		return
	}
	response.SuccessResponse(c, v)
}

func (gc *GameController) Submit(c *gin.Context) {
	var req models.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	v, err := gc.judge.Submit(c.Request.Context(), UserID(c), c.Param("gameId"), &req)
	if err != nil {
		response.ErrorResponse(c, statusFor(err), err.Error())
		return
	}
	response.SuccessResponse(c, v)
}

// CurrentGame reports the caller's unfinished game so a client can resume it.
func (gc *GameController) CurrentGame(c *gin.Context) {
	gameID, status, err := gc.players.FindCurrentGame(c.Request.Context(), UserID(c))
	if err != nil {
		response.ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if gameID == "" {
		response.ErrorResponse(c, http.StatusNotFound, "no active game")
		return
	}
	response.SuccessResponse(c, models.CurrentGameResponse{GameID: gameID, Status: string(status)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrGameNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, service.ErrGameFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
