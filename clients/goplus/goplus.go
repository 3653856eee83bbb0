package goplus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"copybot/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNoReport = errors.New("no security report for token")

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
		baseURL: strings.TrimRight(cfg.Providers.GoPlusURL, "/"),
	}
}

// SafetyReport is the subset of the token security response the engine
// acts on. Taxes are percentages.
type SafetyReport struct {
	Token              string  `json:"token"`
	Symbol             string  `json:"symbol"`
	Honeypot           bool    `json:"honeypot"`
	Mintable           bool    `json:"mintable"`
	BuyTaxPct          float64 `json:"buy_tax_pct"`
	SellTaxPct         float64 `json:"sell_tax_pct"`
	CannotSellAll      bool    `json:"cannot_sell_all"`
	Blacklist          bool    `json:"blacklist"`
	HiddenOwner        bool    `json:"hidden_owner"`
	OwnerChangeBalance bool    `json:"owner_change_balance"`
	TransferPausable   bool    `json:"transfer_pausable"`
	SelfDestruct       bool    `json:"selfdestruct"`
	SlippageModifiable bool    `json:"slippage_modifiable"`
}

// KillFlags lists every condition that rules the token out.
func (r *SafetyReport) KillFlags(maxTaxPct float64) []string {
	var flags []string
	add := func(cond bool, name string) {
		if cond {
			flags = append(flags, name)
		}
	}

	add(r.Honeypot, "honeypot")
	add(r.Mintable, "mintable")
	add(r.BuyTaxPct > maxTaxPct, "buy_tax")
	add(r.SellTaxPct > maxTaxPct, "sell_tax")
	add(r.CannotSellAll, "cannot_sell_all")
	add(r.Blacklist, "blacklist")
	add(r.HiddenOwner, "hidden_owner")
	add(r.OwnerChangeBalance, "owner_change_balance")
	add(r.TransferPausable, "transfer_pausable")
	add(r.SelfDestruct, "selfdestruct")
	add(r.SlippageModifiable, "slippage_modifiable")
	return flags
}

type tokenSecurity struct {
	TokenSymbol        string `json:"token_symbol"`
	IsHoneypot         string `json:"is_honeypot"`
	IsMintable         string `json:"is_mintable"`
	BuyTax             string `json:"buy_tax"`
	SellTax            string `json:"sell_tax"`
	CannotSellAll      string `json:"cannot_sell_all"`
	IsBlacklisted      string `json:"is_blacklisted"`
	HiddenOwner        string `json:"hidden_owner"`
	OwnerChangeBalance string `json:"owner_change_balance"`
	TransferPausable   string `json:"transfer_pausable"`
	SelfDestruct       string `json:"selfdestruct"`
	SlippageModifiable string `json:"slippage_modifiable"`
}

type securityResponse struct {
	Code    int                      `json:"code"`
	Message string                   `json:"message"`
	Result  map[string]tokenSecurity `json:"result"`
}

// TokenSafety fetches the security report for token on the given chain id.
func (c *Client) TokenSafety(ctx context.Context, chainID int64, token string) (*SafetyReport, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/token_security/%d", c.baseURL, chainID))
	if err != nil {
		return nil, fmt.Errorf("invalid goplus url: %w", err)
	}
	q := u.Query()
	q.Set("contract_addresses", strings.ToLower(token))
	u.RawQuery = q.Encode()

	var resp securityResponse
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("get token security: %w", err)
	}
	if resp.Code != 1 {
		return nil, fmt.Errorf("goplus error code=%d message=%s", resp.Code, resp.Message)
	}

	for addr, sec := range resp.Result {
		if !strings.EqualFold(addr, token) {
			continue
		}
		return sec.toReport(strings.ToLower(token)), nil
	}
	return nil, ErrNoReport
}

func (s tokenSecurity) toReport(token string) *SafetyReport {
	return &SafetyReport{
		Token:              token,
		Symbol:             s.TokenSymbol,
		Honeypot:           flag(s.IsHoneypot),
		Mintable:           flag(s.IsMintable),
		BuyTaxPct:          taxPct(s.BuyTax),
		SellTaxPct:         taxPct(s.SellTax),
		CannotSellAll:      flag(s.CannotSellAll),
		Blacklist:          flag(s.IsBlacklisted),
		HiddenOwner:        flag(s.HiddenOwner),
		OwnerChangeBalance: flag(s.OwnerChangeBalance),
		TransferPausable:   flag(s.TransferPausable),
		SelfDestruct:       flag(s.SelfDestruct),
		SlippageModifiable: flag(s.SlippageModifiable),
	}
}

func flag(v string) bool {
	return strings.TrimSpace(v) == "1"
}

// taxPct converts the API's 0..1 fraction into a percentage.
func taxPct(v string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return d.Mul(decimal.NewFromInt(100)).InexactFloat64()
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
