package controller

import (
	"ctchen222/code-battle/internal/api/response"
	"ctchen222/code-battle/internal/api/service"
	"net/http"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// AuthController handles identity endpoints and guards authenticated routes.
type AuthController struct {
	authService service.AuthService
}

func NewAuthController(authService service.AuthService) *AuthController {
	return &AuthController{authService: authService}
}

// GuestLogin issues a throwaway identity.
func (ac *AuthController) GuestLogin(c *gin.Context) {
	resp, err := ac.authService.GuestLogin(c.Request.Context())
	if err != nil {
		response.ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessResponse(c, resp)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's id for later handlers.
func (ac *AuthController) RequireAuth(c *gin.Context) {
	userID, err := ac.authService.Verify(c.GetHeader("Authorization"))
	if err != nil {
		response.AbortWithError(c, http.StatusUnauthorized, err.Error())
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

// UserID returns the caller stored by RequireAuth.
func UserID(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}
