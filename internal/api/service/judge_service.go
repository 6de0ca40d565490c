package service

import (
	"context"
	"ctchen222/code-battle/internal/api/models"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("api/service")

var (
	ErrNotParticipant = errors.New("not a participant of this game")
	ErrGameFinished   = errors.New("game already finished")
)

const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
	VerdictRan      = "ran"

	// RejectMarker in a submission makes the development judge fail it.
	RejectMarker = "FAIL"

	devTestCases = 3
)

//go:generate mockgen -source=judge_service.go -destination=mock/judge_service_mock.go -package=mock_service

// GameFinisher ends a game with a result.
type GameFinisher interface {
	FinishGame(ctx context.Context, gameID string, res proto.MatchResult) error
}

// JudgeService runs and grades code for a game.
type JudgeService interface {
	Run(ctx context.Context, userID int64, gameID string, req *models.CodeRequest) (*models.Verdict, error)
	Submit(ctx context.Context, userID int64, gameID string, req *models.CodeRequest) (*models.Verdict, error)
}

type devJudge struct {
	games    repository.GameRepository
	finisher GameFinisher
}

// NewDevJudge returns a judge for local play. Every submission passes
// unless it contains RejectMarker; an accepted submission wins the game.
func NewDevJudge(games repository.GameRepository, finisher GameFinisher) JudgeService {
	return &devJudge{games: games, finisher: finisher}
}

func (j *devJudge) Run(ctx context.Context, userID int64, gameID string, req *models.CodeRequest) (*models.Verdict, error) {
	ctx, span := tracer.Start(ctx, "judge.Run", trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	if _, err := j.game(ctx, userID, gameID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	v := grade(req)
	v.Status = VerdictRan
	v.Output = fmt.Sprintf("%d/%d sample cases passed", v.Passed, v.Total)
	return v, nil
}

func (j *devJudge) Submit(ctx context.Context, userID int64, gameID string, req *models.CodeRequest) (*models.Verdict, error) {
	ctx, span := tracer.Start(ctx, "judge.Submit", trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	g, err := j.game(ctx, userID, gameID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if g.Finished() {
		return nil, ErrGameFinished
	}

	v := grade(req)
	if v.Status != VerdictAccepted {
		return v, nil
	}

	winner := userID
	err = j.finisher.FinishGame(ctx, gameID, proto.MatchResult{
		Type:   proto.TypeMatchResult,
		Winner: &winner,
		Reason: proto.ReasonFinish,
	})
	switch {
	case errors.Is(err, repository.ErrResultAlreadyRecorded):
		v.Output = "accepted after the game was decided"
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to finish game")
		return nil, err
	default:
		slog.InfoContext(ctx, "accepted submission finished game", "game.id", gameID, "user.id", userID)
	}
	return v, nil
}

func (j *devJudge) game(ctx context.Context, userID int64, gameID string) (*repository.Game, error) {
	g, err := j.games.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.Has(userID) {
		return nil, ErrNotParticipant
	}
	return g, nil
}

func grade(req *models.CodeRequest) *models.Verdict {
	if strings.Contains(req.Code, RejectMarker) {
		return &models.Verdict{Status: VerdictRejected, Passed: devTestCases - 1, Total: devTestCases}
	}
	return &models.Verdict{Status: VerdictAccepted, Passed: devTestCases, Total: devTestCases}
}
