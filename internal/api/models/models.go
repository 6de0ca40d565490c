package models

// GuestLoginResponse carries a freshly issued guest identity.
type GuestLoginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// CodeRequest defines the structure for a run or submit request.
type CodeRequest struct {
	Language string `json:"language" binding:"omitempty,max=32"`
	Code     string `json:"code" binding:"required,max=65536"`
}

// Verdict is the judge's answer to a run or submit.
type Verdict struct {
	Status string `json:"status"`
	Passed int    `json:"passed"`
	Total  int    `json:"total"`
	Output string `json:"output,omitempty"`
}

// CurrentGameResponse describes the unfinished game of a player, if any.
type CurrentGameResponse struct {
	GameID string `json:"game_id"`
	Status string `json:"status"`
}
