package oracle

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"predictex.com/pkg/xerr"
)

// ErrUnavailable 冷启动还没有任何缓存价格
var ErrUnavailable = xerr.NewErrCode(xerr.OracleUnavailable)

// Quote provider 返回的一条报价
type Quote struct {
	Asset       string
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime int64 // unix 秒
}

// Snapshot 对外的价格快照。Stale=true 时是上次成功的缓存值，Confidence 固定为 0
type Snapshot struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  int64           `json:"timestamp"`
	Stale      bool            `json:"stale"`
}

// Provider 一次批量请求拿到所有资产的报价
type Provider interface {
	Name() string
	Fetch(ctx context.Context, assets []string) (map[string]Quote, error)
}

// DefaultFeedIDs Pyth 价格源 id
var DefaultFeedIDs = map[string]string{
	"BTC":  "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
	"ETH":  "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
	"SOL":  "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
	"SUI":  "0x23d7315113f5b1d3ba7a83604c44b94d79f4fd69af77f804fc7f920a6dc65744",
	"BCH":  "0x3dd2b63686a450ec7290df3a1e0b583c0481f651351edfa7636f39aed55cf8a3",
	"BNB":  "0x2f95862b045670cd22bee3114c39763a4a08beeb663b145d283c31d7d1101c4f",
	"XLM":  "0xb7a8eba68a997cd0210c2e1e4ee811ad2d174b3611c22d9ebf16f4cb7e9ba850",
	"XTZ":  "0x0affd4b8ad136a21d79bc82450a325ee12ff55a235abc242666e423b8bcffd03",
	"NEAR": "0xc415de8d2eba7db216527dff4b60e8f3a5311c740dadb233e13e12547e226750",
	"ARB":  "0x3fa4252848f9f0a1480be62745a4629d9eb1322aebab8a791e344b3b9c1adcf5",
}

// NormalizeAsset 资产代码统一大写
func NormalizeAsset(a string) string { return strings.ToUpper(strings.TrimSpace(a)) }
