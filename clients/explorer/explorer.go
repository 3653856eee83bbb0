// Package explorer reads token transfer history from etherscan-compatible
// block explorer APIs.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("explorer rate limited")

type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
}

func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// TokenTransfer is one ERC-20 transfer row. Addresses are lower-case.
type TokenTransfer struct {
	Hash      string
	Block     uint64
	LogIndex  uint
	Token     string
	Symbol    string
	Decimals  int // -1 when the row omits it
	From      string
	To        string
	Value     *big.Int
	Timestamp time.Time
}

type tokenTxRow struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	Value           string `json:"value"`
	LogIndex        string `json:"logIndex"`
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// TokenTransfers returns the wallet's most recent token transfers, newest
// first. Rate-limit responses wrap ErrRateLimited.
func (c *Client) TokenTransfers(ctx context.Context, baseURL, apiKey, wallet string, limit int) ([]TokenTransfer, error) {
	if limit <= 0 {
		limit = 25
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid explorer url: %w", err)
	}
	q := u.Query()
	q.Set("module", "account")
	q.Set("action", "tokentx")
	q.Set("address", strings.ToLower(wallet))
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(limit))
	q.Set("sort", "desc")
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("tokentx: %w", ErrRateLimited)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	if r.Status != "1" {
		var text string
		_ = json.Unmarshal(r.Result, &text)
		lower := strings.ToLower(text + " " + r.Message)
		switch {
		case strings.Contains(lower, "rate limit"):
			return nil, fmt.Errorf("tokentx: %s: %w", text, ErrRateLimited)
		case strings.Contains(lower, "no transactions found"):
			return nil, nil
		default:
			return nil, fmt.Errorf("tokentx: %s %s", r.Message, text)
		}
	}

	var rows []tokenTxRow
	if err := json.Unmarshal(r.Result, &rows); err != nil {
		return nil, fmt.Errorf("decode tokentx rows: %w", err)
	}

	out := make([]TokenTransfer, 0, len(rows))
	for _, row := range rows {
		tr, err := row.toTransfer()
		if err != nil {
			c.logger.Debug("skipping malformed tokentx row", zap.String("hash", row.Hash), zap.Error(err))
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

func (r tokenTxRow) toTransfer() (TokenTransfer, error) {
	block, err := strconv.ParseUint(r.BlockNumber, 10, 64)
	if err != nil {
		return TokenTransfer{}, fmt.Errorf("block number: %w", err)
	}
	ts, err := strconv.ParseInt(r.TimeStamp, 10, 64)
	if err != nil {
		return TokenTransfer{}, fmt.Errorf("timestamp: %w", err)
	}
	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok {
		value = new(big.Int)
	}
	logIndex, _ := strconv.ParseUint(r.LogIndex, 10, 32)
	decimals, err := strconv.Atoi(r.TokenDecimal)
	if err != nil {
		decimals = -1
	}

	return TokenTransfer{
		Hash:      strings.ToLower(r.Hash),
		Block:     block,
		LogIndex:  uint(logIndex),
		Token:     strings.ToLower(r.ContractAddress),
		Symbol:    r.TokenSymbol,
		Decimals:  decimals,
		From:      strings.ToLower(r.From),
		To:        strings.ToLower(r.To),
		Value:     value,
		Timestamp: time.Unix(ts, 0).UTC(),
	}, nil
}
