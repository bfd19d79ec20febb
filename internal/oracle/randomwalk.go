package oracle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var defaultBasePrices = map[string]float64{
	"BTC": 50000,
	"ETH": 3000,
	"BNB": 600,
	"SOL": 150,
	"ARB": 1.5,
}

// RandomWalk 本地开发用的随机游走行情
// 每次 Fetch 价格按 price * volatility * U(-1,1) + trend 变动
type RandomWalk struct {
	mu         sync.Mutex
	prices     map[string]float64
	volatility float64
	trend      float64
	rng        *rand.Rand
	now        func() time.Time
}

func NewRandomWalk(seed uint64, volatility, trend float64) *RandomWalk {
	if volatility <= 0 {
		volatility = 0.001
	}
	return &RandomWalk{
		prices:     make(map[string]float64),
		volatility: volatility,
		trend:      trend,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:        time.Now,
	}
}

func (w *RandomWalk) Name() string { return "random_walk" }

func (w *RandomWalk) Fetch(_ context.Context, assets []string) (map[string]Quote, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.now().Unix()
	out := make(map[string]Quote, len(assets))
	for _, a := range assets {
		a = NormalizeAsset(a)
		p, ok := w.prices[a]
		if !ok {
			p = defaultBasePrices[a]
			if p == 0 {
				p = 1
			}
		} else {
			p += p*w.volatility*(w.rng.Float64()*2-1) + w.trend
			if p <= 0 {
				p = w.prices[a]
			}
		}
		w.prices[a] = p
		price := decimal.NewFromFloat(p).Round(8)
		out[a] = Quote{
			Asset:       a,
			Price:       price,
			Confidence:  price.Mul(decimal.NewFromFloat(w.volatility)).Round(8),
			PublishTime: ts,
		}
	}
	return out, nil
}
