package service_test

import (
	"context"
	"ctchen222/code-battle/internal/api/models"
	"ctchen222/code-battle/internal/api/service"
	mock_service "ctchen222/code-battle/internal/api/service/mock"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/internal/repository/repositorytest"
	"ctchen222/code-battle/pkg/proto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newJudge(t *testing.T) (service.JudgeService, *mock_service.MockGameFinisher, *repository.Game) {
	t.Helper()
	games := repositorytest.NewGames()
	g := &repository.Game{ID: "g-1", MatchType: "ranked", Players: []int64{1, 2}}
	require.NoError(t, games.Create(context.Background(), g))

	finisher := mock_service.NewMockGameFinisher(gomock.NewController(t))
	return service.NewDevJudge(games, finisher), finisher, g
}

func TestDevJudge_RunNeverFinishes(t *testing.T) {
	judge, _, g := newJudge(t)

	v, err := judge.Run(context.Background(), 1, g.ID, &models.CodeRequest{Code: "print(1)"})

	require.NoError(t, err)
	assert.Equal(t, service.VerdictRan, v.Status)
	assert.Equal(t, "3/3 sample cases passed", v.Output)
}

func TestDevJudge_AcceptedSubmissionWins(t *testing.T) {
	judge, finisher, g := newJudge(t)
	winner := int64(2)
	finisher.EXPECT().FinishGame(gomock.Any(), g.ID, proto.MatchResult{
		Type:   proto.TypeMatchResult,
		Winner: &winner,
		Reason: proto.ReasonFinish,
	}).Return(nil)

	v, err := judge.Submit(context.Background(), 2, g.ID, &models.CodeRequest{Code: "solve()"})

	require.NoError(t, err)
	assert.Equal(t, service.VerdictAccepted, v.Status)
	assert.Equal(t, 3, v.Passed)
}

func TestDevJudge_RejectedSubmissionKeepsPlaying(t *testing.T) {
	judge, _, g := newJudge(t)

	v, err := judge.Submit(context.Background(), 1, g.ID, &models.CodeRequest{Code: "return FAIL"})

	require.NoError(t, err)
	assert.Equal(t, service.VerdictRejected, v.Status)
	assert.Equal(t, 2, v.Passed)
}

func TestDevJudge_LateAcceptance(t *testing.T) {
	judge, finisher, g := newJudge(t)
	finisher.EXPECT().FinishGame(gomock.Any(), g.ID, gomock.Any()).Return(repository.ErrResultAlreadyRecorded)

	v, err := judge.Submit(context.Background(), 1, g.ID, &models.CodeRequest{Code: "solve()"})

	require.NoError(t, err)
	assert.Equal(t, service.VerdictAccepted, v.Status)
	assert.Equal(t, "accepted after the game was decided", v.Output)
}

func TestDevJudge_Rejections(t *testing.T) {
	judge, _, g := newJudge(t)
	ctx := context.Background()

	_, err := judge.Submit(ctx, 3, g.ID, &models.CodeRequest{Code: "x"})
	assert.ErrorIs(t, err, service.ErrNotParticipant)

	_, err = judge.Run(ctx, 1, "missing", &models.CodeRequest{Code: "x"})
	assert.ErrorIs(t, err, repository.ErrGameNotFound)
}
