package gateway

import (
	"github.com/gin-gonic/gin"
	"predictex.com/internal/round"
	"predictex.com/pkg/common"
)

func (h *handler) PlaceBet(c *gin.Context) {
	var req round.PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "invalid bet request")
		return
	}
	bet, err := h.st.Rounds.Place(c.Request.Context(), req)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, bet)
}

func (h *handler) GetBet(c *gin.Context) {
	bet, err := h.st.Rounds.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, bet)
}

func (h *handler) BetHistory(c *gin.Context) {
	rows, err := h.st.Rounds.RecentBets(c.Request.Context(), c.Param("address"), queryInt(c, "limit"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rows)
}

func (h *handler) Price(c *gin.Context) {
	snap, err := h.st.Prices.Snapshot(c.Param("asset"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, snap)
}
