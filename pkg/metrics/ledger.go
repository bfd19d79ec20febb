package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "predictex"

var (
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_ops_total",
		Help:      "Ledger debit/credit operations.",
	}, []string{"op", "result"})

	LedgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_op_duration_seconds",
		Help:      "Ledger transaction latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"op"})

	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawal outcomes.",
	}, []string{"currency", "result"})

	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_total",
		Help:      "Deposit credits by source (chain / admin) and outcome.",
	}, []string{"currency", "source", "result"})

	// 转账已发出、账本未落地的提现数
	ReconciliationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "withdrawals_reconciliation_pending",
		Help:      "Withdrawals whose transfer was sent but ledger debit is pending.",
	})

	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bets_placed_total",
	}, []string{"mode"})

	BetsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bets_settled_total",
	}, []string{"outcome"}) // won / lost / void / manual

	RiskFlaggedWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_flagged_wallets",
		Help:      "Wallets whose win streak exceeds the threshold at the last scan.",
	})

	ReferralCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "referral_credits_total",
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the per-IP limiter.",
	}, []string{"route"})

	RateLimitKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_rate_limit_keys",
		Help:      "Tracked ip+route limiter entries.",
	})

	HTTPPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_panics_total",
	}, []string{"route"})
)
