package controller

import (
	"benchboard/internal/identity"
	"benchboard/internal/leaderboard"
	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"
	"benchboard/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LeaderboardController serves rankings and per-user views.
type LeaderboardController struct {
	leaderboardService *leaderboard.Service
}

func NewLeaderboardController(leaderboardService *leaderboard.Service) *LeaderboardController {
	return &LeaderboardController{leaderboardService: leaderboardService}
}

// List returns the top entries. No identity is required.
func (h *LeaderboardController) List(c *gin.Context) {
	entries, err := h.leaderboardService.Rank(c.Request.Context(), leaderboard.ParseLimit(c.Query("limit")))
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.RankingNotAvailable, "ranking not available"))
		return
	}
	response.Success(c, ListResponse{Entries: entries})
}

// Stream upgrades to a websocket pushing ranking snapshots.
func (h *LeaderboardController) Stream(c *gin.Context) {
	hub := h.leaderboardService.Hub()
	if hub == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "leaderboard stream disabled")
		return
	}
	snapshot, err := h.leaderboardService.Snapshot(c.Request.Context())
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.RankingNotAvailable, "ranking not available"))
		return
	}
	if err := hub.Serve(c.Writer, c.Request, snapshot); err != nil {
		logger.Warn(c.Request.Context(), "leaderboard stream upgrade failed", zap.Error(err))
	}
}

// History returns the caller's newest submissions.
func (h *LeaderboardController) History(c *gin.Context) {
	id, ok := identity.FromContext(c)
	if !ok {
		response.Unauthorized(c, "identity required")
		return
	}
	subs, err := h.leaderboardService.UserHistory(c.Request.Context(), id.UserID, leaderboard.ParseLimit(c.Query("limit")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, HistoryResponse{Items: subs})
}

// Stats returns the caller's personal best and counts.
func (h *LeaderboardController) Stats(c *gin.Context) {
	id, ok := identity.FromContext(c)
	if !ok {
		response.Unauthorized(c, "identity required")
		return
	}
	stats, err := h.leaderboardService.UserStats(c.Request.Context(), id.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

type ListResponse struct {
	Entries []leaderboard.Entry `json:"entries"`
}

type HistoryResponse struct {
	Items []*model.Submission `json:"items"`
}
