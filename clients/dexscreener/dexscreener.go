package dexscreener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copybot/config"

	"go.uber.org/zap"
)

// maxTokensPerRequest is the API's limit on comma-separated addresses.
const maxTokensPerRequest = 30

var ErrNoPair = errors.New("no pair for token on chain")

type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.Providers.DexScreenerURL, "/"),
	}
}

// TokenInfo is the price and liquidity of a token's deepest pool on a chain.
type TokenInfo struct {
	Token        string    `json:"token"`
	Chain        string    `json:"chain"`
	Symbol       string    `json:"symbol"`
	PriceUSD     float64   `json:"price_usd"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	PoolAddress  string    `json:"pool_address"`
	DexID        string    `json:"dex_id"`
	ListedAt     time.Time `json:"listed_at"`
}

type pairToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type pair struct {
	ChainID     string    `json:"chainId"`
	DexID       string    `json:"dexId"`
	PairAddress string    `json:"pairAddress"`
	BaseToken   pairToken `json:"baseToken"`
	QuoteToken  pairToken `json:"quoteToken"`
	PriceUSD    string    `json:"priceUsd"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

// TokenInfo looks up a single token.
func (c *Client) TokenInfo(ctx context.Context, chain, token string) (*TokenInfo, error) {
	infos, err := c.TokenInfos(ctx, chain, []string{token})
	if err != nil {
		return nil, err
	}
	info, ok := infos[strings.ToLower(token)]
	if !ok {
		return nil, ErrNoPair
	}
	return info, nil
}

// TokenInfos looks up many tokens, batching requests. Tokens without a pair
// on the chain are missing from the result.
func (c *Client) TokenInfos(ctx context.Context, chain string, tokens []string) (map[string]*TokenInfo, error) {
	out := make(map[string]*TokenInfo, len(tokens))
	chain = strings.ToLower(chain)

	for start := 0; start < len(tokens); start += maxTokensPerRequest {
		end := min(start+maxTokensPerRequest, len(tokens))
		batch := tokens[start:end]

		var resp tokensResponse
		u := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, strings.Join(batch, ","))
		if err := c.doGet(ctx, u, &resp); err != nil {
			return out, fmt.Errorf("get token pairs: %w", err)
		}

		for _, p := range resp.Pairs {
			info, ok := p.toInfo(chain)
			if !ok {
				continue
			}
			if existing, seen := out[info.Token]; seen && existing.LiquidityUSD >= info.LiquidityUSD {
				continue
			}
			out[info.Token] = info
		}
	}

	c.logger.Debug("dexscreener lookup",
		zap.String("chain", chain),
		zap.Int("requested", len(tokens)),
		zap.Int("found", len(out)),
	)
	return out, nil
}

// toInfo converts a pair where the token is the base asset on chain.
func (p pair) toInfo(chain string) (*TokenInfo, bool) {
	if !strings.EqualFold(p.ChainID, chain) || p.BaseToken.Address == "" {
		return nil, false
	}

	price, _ := strconv.ParseFloat(p.PriceUSD, 64)
	info := &TokenInfo{
		Token:       strings.ToLower(p.BaseToken.Address),
		Chain:       chain,
		Symbol:      p.BaseToken.Symbol,
		PriceUSD:    price,
		PoolAddress: strings.ToLower(p.PairAddress),
		DexID:       p.DexID,
	}
	if p.Liquidity != nil {
		info.LiquidityUSD = p.Liquidity.USD
	}
	if p.PairCreatedAt > 0 {
		info.ListedAt = time.UnixMilli(p.PairCreatedAt).UTC()
	}
	return info, true
}

func (c *Client) doGet(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	return nil
}
