package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"predictex.com/pkg/middleware"
	"predictex.com/pkg/ratelimit"
)

type Options struct {
	ServiceName string
	// Tracing 为 true 时挂 otelgin
	Tracing   bool
	RateRPS   float64
	RateBurst int
	// AdminToken 每次请求都重新读取，配置热更新后立即生效
	AdminToken func() string
}

func NewRouter(ctx context.Context, st *State, opt Options) *gin.Engine {
	if opt.RateRPS <= 0 {
		opt.RateRPS = 50
	}
	if opt.RateBurst <= 0 {
		opt.RateBurst = 100
	}
	if opt.AdminToken == nil {
		opt.AdminToken = func() string { return "" }
	}
	// 限流
	store := ratelimit.NewStore(rate.Limit(opt.RateRPS), opt.RateBurst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控
	p := ginprom.NewPrometheus("predictex")
	p.Use(r)
	if opt.Tracing {
		r.Use(otelgin.Middleware(opt.ServiceName))
	}
	r.Use(
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := &handler{st: st}
	api := r.Group("/api")
	balance := api.Group("/balance")
	{
		balance.GET("/:address", h.Balance)
		balance.POST("/withdraw", middleware.Sentinel(), h.Withdraw)
		balance.POST("/deposit", h.Deposit)
	}
	bets := api.Group("/bets")
	{
		bets.GET("/leaderboard", h.Leaderboard)
		bets.POST("", h.PlaceBet)
		bets.GET("/:id", h.GetBet)
		bets.GET("/history/:address", h.BetHistory)
	}
	api.GET("/prices/:asset", h.Price)
	refs := api.Group("/referrals")
	{
		refs.GET("/leaderboard", h.ReferralLeaderboard)
		refs.GET("/:address", h.ReferralInfo)
	}
	admin := api.Group("/admin", middleware.AdminAuth(opt.AdminToken))
	{
		admin.GET("/users", h.Users)
		admin.PUT("/users/:address/status", h.SetStatus)
		admin.GET("/users/:address/audit", h.AuditTrail)
		admin.GET("/risk/streaks", h.Streaks)
		admin.GET("/withdrawals/pending", h.PendingWithdrawals)
		admin.POST("/withdrawals/:id/resolve", h.ResolveWithdrawal)
		admin.GET("/bets/manual", h.ManualBets)
		admin.POST("/bets/:id/settle", h.SettleBet)
		admin.POST("/bets/:id/resolve", h.ResolveBet)
		admin.POST("/deposits", h.AdminDeposit)
	}
	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

type handler struct {
	st *State
}
