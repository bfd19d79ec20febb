package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

const DefaultHermesURL = "https://hermes.pyth.network"

// Hermes Pyth Hermes HTTP 接口
type Hermes struct {
	baseURL string
	client  *http.Client
	// 去掉 0x、小写的 feed id -> 资产
	byID map[string]string
	// 资产 -> 原始 feed id
	ids map[string]string
}

func NewHermes(baseURL string, feeds map[string]string, client *http.Client) *Hermes {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	h := &Hermes{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		byID:    make(map[string]string, len(feeds)),
		ids:     make(map[string]string, len(feeds)),
	}
	for asset, id := range feeds {
		asset = NormalizeAsset(asset)
		h.ids[asset] = id
		h.byID[normalizeID(id)] = asset
	}
	return h
}

func (h *Hermes) Name() string { return "hermes" }

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Fetch 所有资产一次请求：/v2/updates/price/latest?ids[]=..&ids[]=..
func (h *Hermes) Fetch(ctx context.Context, assets []string) (map[string]Quote, error) {
	q := url.Values{}
	q.Set("parsed", "true")
	for _, a := range assets {
		id, ok := h.ids[NormalizeAsset(a)]
		if !ok {
			continue
		}
		if !strings.HasPrefix(id, "0x") {
			id = "0x" + id
		}
		q.Add("ids[]", id)
	}
	if len(q["ids[]"]) == 0 {
		return nil, fmt.Errorf("hermes: no feed ids for %v", assets)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v2/updates/price/latest?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hermes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("hermes: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("hermes: decode: %w", err)
	}
	if len(body.Parsed) == 0 {
		return nil, fmt.Errorf("hermes: empty response")
	}

	out := make(map[string]Quote, len(body.Parsed))
	for _, p := range body.Parsed {
		asset, ok := h.byID[normalizeID(p.ID)]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(p.Price.Price)
		if err != nil {
			return nil, fmt.Errorf("hermes: %s price %q: %w", asset, p.Price.Price, err)
		}
		conf, err := decimal.NewFromString(p.Price.Conf)
		if err != nil {
			return nil, fmt.Errorf("hermes: %s conf %q: %w", asset, p.Price.Conf, err)
		}
		// price * 10^expo
		out[asset] = Quote{
			Asset:       asset,
			Price:       price.Shift(p.Price.Expo),
			Confidence:  conf.Shift(p.Price.Expo),
			PublishTime: p.Price.PublishTime,
		}
	}
	return out, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, "0x"))
}
