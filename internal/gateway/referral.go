package gateway

import (
	"github.com/gin-gonic/gin"
	"predictex.com/pkg/common"
)

// ReferralInfo 首次访问时生成邀请码，?ref= 是待绑定的推荐码
func (h *handler) ReferralInfo(c *gin.Context) {
	rec, err := h.st.Referral.FetchInfo(c.Request.Context(), c.Param("address"), c.Query("ref"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rec)
}

func (h *handler) ReferralLeaderboard(c *gin.Context) {
	rows, err := h.st.Referral.Leaderboard(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rows)
}
