package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"copybot/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoEndpoint = errors.New("no rpc endpoint for chain")
	ErrBadToken   = errors.New("token did not return valid decimals")
)

var decimalsSelector = crypto.Keccak256([]byte("decimals()"))[:4]

// 10^78 no longer fits in a uint256.
const maxDecimals = 77

const defaultCallTimeout = 10 * time.Second

// Caller is the slice of an eth client the decimals lookup needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc opens a Caller for an RPC endpoint.
type DialFunc func(ctx context.Context, url string) (Caller, error)

// DialEthClient dials a go-ethereum client over http(s) or ws(s).
func DialEthClient(ctx context.Context, url string) (Caller, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Client resolves ERC-20 decimals with eth_call. Results are cached for the
// life of the process; decimals never change after deployment.
type Client struct {
	logger    *zap.Logger
	endpoints map[string]string
	dial      DialFunc
	timeout   time.Duration

	mu    sync.Mutex
	conns map[string]Caller
	cache map[string]int
	group singleflight.Group
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	endpoints := make(map[string]string, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		url := ch.RPCURL
		if url == "" {
			url = ch.StreamURL
		}
		if url != "" {
			endpoints[strings.ToLower(ch.Name)] = url
		}
	}
	return NewClientWithDialer(logger, endpoints, DialEthClient)
}

// NewClientWithDialer builds a client over explicit chain endpoints.
func NewClientWithDialer(logger *zap.Logger, endpoints map[string]string, dial DialFunc) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[strings.ToLower(k)] = v
	}
	return &Client{
		logger:    logger,
		endpoints: eps,
		dial:      dial,
		timeout:   defaultCallTimeout,
		conns:     make(map[string]Caller),
		cache:     make(map[string]int),
	}
}

// TokenDecimals returns the token's decimals() on chain.
func (c *Client) TokenDecimals(ctx context.Context, chain, token string) (int, error) {
	chain = strings.ToLower(chain)
	if !common.IsHexAddress(token) {
		return 0, fmt.Errorf("invalid token address %q", token)
	}
	key := chain + "|" + strings.ToLower(token)

	c.mu.Lock()
	d, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		d, err := c.fetch(ctx, chain, common.HexToAddress(token))
		if err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.cache[key] = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *Client) fetch(parent context.Context, chain string, token common.Address) (int, error) {
	conn, err := c.conn(parent, chain)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	out, err := conn.CallContract(ctx, ethereum.CallMsg{To: &token, Data: decimalsSelector}, nil)
	if err != nil {
		return 0, fmt.Errorf("eth_call decimals: %w", err)
	}
	return decodeDecimals(out)
}

func decodeDecimals(out []byte) (int, error) {
	if len(out) != 32 {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadToken, len(out))
	}
	v := new(big.Int).SetBytes(out)
	if !v.IsUint64() || v.Uint64() > maxDecimals {
		return 0, fmt.Errorf("%w: %s", ErrBadToken, v.String())
	}
	return int(v.Uint64()), nil
}

func (c *Client) conn(ctx context.Context, chain string) (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[chain]; ok {
		return conn, nil
	}
	url, ok := c.endpoints[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, chain)
	}
	conn, err := c.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}
	c.logger.Debug("connected rpc", zap.String("chain", chain))
	c.conns[chain] = conn
	return conn, nil
}

// Close drops every open RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chain, conn := range c.conns {
		conn.Close()
		delete(c.conns, chain)
	}
}
