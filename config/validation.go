package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateChains(c.Chains)...)
	errors = append(errors, validateStreaming(&c.Streaming)...)
	errors = append(errors, validatePolling(&c.Polling)...)
	errors = append(errors, validateDedup(&c.Dedup)...)
	errors = append(errors, validateRisk(&c.Risk)...)
	errors = append(errors, validateBreaker(&c.Breaker)...)
	errors = append(errors, validateLiquidity(&c.Liquidity)...)
	errors = append(errors, validateExits(&c.Exits)...)
	errors = append(errors, validateWashTrading(&c.WashTrading)...)
	errors = append(errors, validateCache(&c.Cache)...)
	errors = append(errors, validateHealthServer(&c.HealthServer)...)

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func validateChains(chains []ChainConfig) []ValidationError {
	var errors []ValidationError

	if len(chains) == 0 {
		errors = append(errors, ValidationError{
			Field:   "chains",
			Message: "at least one chain is required",
		})
	}

	seen := make(map[string]bool)
	for i, ch := range chains {
		field := fmt.Sprintf("chains[%d]", i)
		if ch.Name == "" {
			errors = append(errors, ValidationError{Field: field + ".name", Message: "must not be empty"})
			continue
		}
		if seen[ch.Name] {
			errors = append(errors, ValidationError{Field: field + ".name", Message: "duplicate chain " + ch.Name})
		}
		seen[ch.Name] = true

		if ch.StreamURL != "" && !strings.HasPrefix(ch.StreamURL, "ws://") && !strings.HasPrefix(ch.StreamURL, "wss://") {
			errors = append(errors, ValidationError{Field: field + ".stream_url", Message: "must be a ws:// or wss:// URL"})
		}
		if ch.RPCURL != "" && !hasAnyPrefix(ch.RPCURL, "http://", "https://", "ws://", "wss://") {
			errors = append(errors, ValidationError{Field: field + ".rpc_url", Message: "must be an http(s) or ws(s) URL"})
		}
		for _, r := range ch.DexRouters {
			if !isHexAddress(r) {
				errors = append(errors, ValidationError{Field: field + ".dex_routers", Message: "invalid address " + r})
			}
		}
	}

	return errors
}

func validateStreaming(s *StreamingConfig) []ValidationError {
	var errors []ValidationError

	if s.SyncInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "streaming.sync_interval",
			Message: "must be at least 1 second",
		})
	}

	if s.BackoffBase <= 0 {
		errors = append(errors, ValidationError{
			Field:   "streaming.backoff_base",
			Message: "must be positive",
		})
	}

	if s.BackoffMax < s.BackoffBase {
		errors = append(errors, ValidationError{
			Field:   "streaming.backoff_max",
			Message: "must be at least backoff_base",
		})
	}

	if s.RateLimitMaxRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "streaming.rate_limit_max_retries",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validatePolling(p *PollingConfig) []ValidationError {
	var errors []ValidationError

	if !p.Enabled {
		return nil
	}

	if p.Interval < 5*time.Second {
		errors = append(errors, ValidationError{
			Field:   "polling.interval",
			Message: "must be at least 5 seconds",
		})
	}

	if p.PerWalletLimit < 1 || p.PerWalletLimit > 1000 {
		errors = append(errors, ValidationError{
			Field:   "polling.per_wallet_limit",
			Message: "must be between 1 and 1000",
		})
	}

	if p.Lookback <= 0 {
		errors = append(errors, ValidationError{
			Field:   "polling.lookback",
			Message: "must be positive",
		})
	}

	return errors
}

func validateDedup(d *DedupConfig) []ValidationError {
	var errors []ValidationError

	if d.Horizon < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "dedup.horizon",
			Message: "must be at least 1 minute",
		})
	}

	if d.PruneInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "dedup.prune_interval",
			Message: "must be positive",
		})
	}

	return errors
}

func validateRisk(r *RiskConfig) []ValidationError {
	var errors []ValidationError

	if r.MaxExposureUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_exposure_usd",
			Message: "must be positive",
		})
	}

	if r.MinPositionUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_position_usd",
			Message: "must be positive",
		})
	}

	if r.MaxPositionUSD < r.MinPositionUSD {
		errors = append(errors, ValidationError{
			Field:   "risk.max_position_usd",
			Message: "must be at least min_position_usd",
		})
	}

	if r.BasePositionUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.base_position_usd",
			Message: "must be positive",
		})
	}

	if r.AccumulationFraction <= 0 || r.AccumulationFraction > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.accumulation_fraction",
			Message: "must be in (0, 1]",
		})
	}

	if r.MinLiquidityUSD < 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_liquidity_usd",
			Message: "must be non-negative",
		})
	}

	if r.MaxTaxPct < 0 || r.MaxTaxPct > 100 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_tax_pct",
			Message: "must be between 0 and 100",
		})
	}

	if r.MinWalletScore < 0 || r.MinWalletScore > 100 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_wallet_score",
			Message: "must be between 0 and 100",
		})
	}

	if r.MaxWalletsPerChain < 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_wallets_per_chain",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateBreaker(b *BreakerConfig) []ValidationError {
	var errors []ValidationError

	if b.ConsecutiveLosses < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.consecutive_losses",
			Message: "must be at least 1",
		})
	}

	if b.PauseWindow < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "breaker.pause_window",
			Message: "must be at least 1 minute",
		})
	}

	if b.MinSample < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.min_sample",
			Message: "must be at least 1",
		})
	}

	if b.MinWinRate < 0 || b.MinWinRate > 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.min_win_rate",
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

func validateLiquidity(l *LiquidityConfig) []ValidationError {
	var errors []ValidationError

	if l.RugFloorUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "liquidity.rug_floor_usd",
			Message: "must be positive",
		})
	}

	if l.RugDropPct <= 0 || l.RugDropPct >= 100 {
		errors = append(errors, ValidationError{
			Field:   "liquidity.rug_drop_pct",
			Message: "must be between 0 and 100 (exclusive)",
		})
	}

	if l.RugExitFeePct < 0 || l.RugExitFeePct > 100 {
		errors = append(errors, ValidationError{
			Field:   "liquidity.rug_exit_fee_pct",
			Message: "must be between 0 and 100",
		})
	}

	if l.RecheckDelay <= 0 {
		errors = append(errors, ValidationError{
			Field:   "liquidity.recheck_delay",
			Message: "must be positive",
		})
	}

	if l.ResolveConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "liquidity.resolve_concurrency",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateExits(e *ExitConfig) []ValidationError {
	var errors []ValidationError

	if e.RefreshInterval < 5*time.Second {
		errors = append(errors, ValidationError{
			Field:   "exits.refresh_interval",
			Message: "must be at least 5 seconds",
		})
	}

	if e.StopLossPct <= 0 || e.StopLossPct > 100 {
		errors = append(errors, ValidationError{
			Field:   "exits.stop_loss_pct",
			Message: "must be in (0, 100]",
		})
	}

	if e.TakeProfitPct <= 0 {
		errors = append(errors, ValidationError{
			Field:   "exits.take_profit_pct",
			Message: "must be positive",
		})
	}

	for i, step := range e.TrailingLadder {
		if step.StopPct >= step.PeakPct {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exits.trailing_ladder[%d]", i),
				Message: "stop_pct must be below peak_pct",
			})
		}
	}

	// A higher rung never locks in less than a lower one.
	for i, a := range e.TrailingLadder {
		for _, b := range e.TrailingLadder[i+1:] {
			lo, hi := a, b
			if hi.PeakPct < lo.PeakPct {
				lo, hi = hi, lo
			}
			if hi.PeakPct > lo.PeakPct && hi.StopPct < lo.StopPct {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("exits.trailing_ladder[%d]", i),
					Message: fmt.Sprintf("stop_pct must not decrease as peak_pct rises (peak %.0f stop %.0f, peak %.0f stop %.0f)", lo.PeakPct, lo.StopPct, hi.PeakPct, hi.StopPct),
				})
			}
		}
	}

	if e.MaxPriceFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "exits.max_price_failures",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateWashTrading(w *WashTradingConfig) []ValidationError {
	var errors []ValidationError

	if w.MinTrades < 2 {
		errors = append(errors, ValidationError{
			Field:   "wash_trading.min_trades",
			Message: "must be at least 2",
		})
	}

	if w.PairWeight < 0 || w.MirrorWeight < 0 || w.PairWeight+w.MirrorWeight > 1.0001 {
		errors = append(errors, ValidationError{
			Field:   "wash_trading.weights",
			Message: "weights must be non-negative and sum to at most 1",
		})
	}

	if w.Threshold <= 0 || w.Threshold >= 1 {
		errors = append(errors, ValidationError{
			Field:   "wash_trading.threshold",
			Message: "must be between 0 and 1 (exclusive)",
		})
	}

	if w.PriceTolerance < 0 || w.SizeTolerance < 0 {
		errors = append(errors, ValidationError{
			Field:   "wash_trading.tolerance",
			Message: "must be non-negative",
		})
	}

	for i, step := range w.PenaltySteps {
		if step.MinScore < 0 || step.MinScore > 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("wash_trading.penalty_steps[%d]", i),
				Message: "min_score must be between 0 and 1",
			})
		}
	}

	return errors
}

func validateCache(c *CacheConfig) []ValidationError {
	var errors []ValidationError

	if c.SaveInterval < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "cache.save_interval",
			Message: "must be at least 1 minute",
		})
	}

	if c.FileName == "" {
		errors = append(errors, ValidationError{
			Field:   "cache.file_name",
			Message: "must not be empty",
		})
	}

	return errors
}

func validateHealthServer(hs *HealthServerConfig) []ValidationError {
	var errors []ValidationError

	if hs.Enabled && (hs.Port < 1 || hs.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "health_server.port",
			Message: "must be between 1 and 65535",
		})
	}

	return errors
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
