package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"copybot/clients/dexscreener"
	"copybot/clients/explorer"
	"copybot/clients/gist"
	"copybot/clients/goplus"
	"copybot/clients/logstream"
	"copybot/clients/notifier"
	"copybot/internal/evm"
	"copybot/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockGistStorage is a mock implementation of gist.Storage for testing.
type MockGistStorage struct {
	mu      sync.RWMutex
	files   map[string]string
	gistID  string
	enabled bool
	loadErr error
	saveErr error
	saves   int
}

// NewMockGistStorage creates a new mock gist storage.
func NewMockGistStorage() *MockGistStorage {
	return &MockGistStorage{
		files:   make(map[string]string),
		gistID:  "mock-gist-id",
		enabled: true,
	}
}

// IsEnabled returns whether the mock is enabled.
func (m *MockGistStorage) IsEnabled() bool {
	return m.enabled
}

// SetEnabled sets whether the mock is enabled.
func (m *MockGistStorage) SetEnabled(enabled bool) {
	m.enabled = enabled
}

// LoadJSON loads JSON data from a file. A missing file is gist.ErrFileNotFound.
func (m *MockGistStorage) LoadJSON(ctx context.Context, filename string, dest any) error {
	if m.loadErr != nil {
		return m.loadErr
	}
	m.mu.RLock()
	content, ok := m.files[filename]
	m.mu.RUnlock()
	if !ok {
		return gist.ErrFileNotFound
	}
	return json.Unmarshal([]byte(content), dest)
}

// SaveJSON saves JSON data to a file.
func (m *MockGistStorage) SaveJSON(ctx context.Context, filename string, data any) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = string(jsonData)
	m.saves++
	return nil
}

// GistID returns the mock gist ID.
func (m *MockGistStorage) GistID() string {
	return m.gistID
}

// SetLoadError sets an error to be returned on LoadJSON calls.
func (m *MockGistStorage) SetLoadError(err error) {
	m.loadErr = err
}

// SetSaveError sets an error to be returned on SaveJSON calls.
func (m *MockGistStorage) SetSaveError(err error) {
	m.saveErr = err
}

// GetContent returns the content for a filename.
func (m *MockGistStorage) GetContent(filename string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files[filename]
}

func (m *MockGistStorage) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

var _ gist.Storage = (*MockGistStorage)(nil)

// mockTokens is a TokenInfoProvider backed by a map keyed by lower-case token.
type mockTokens struct {
	mu    sync.Mutex
	infos map[string]*dexscreener.TokenInfo
	err   error
	calls int
}

func newMockTokens() *mockTokens {
	return &mockTokens{infos: make(map[string]*dexscreener.TokenInfo)}
}

func (m *mockTokens) set(token string, price, liquidity float64, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[strings.ToLower(token)] = &dexscreener.TokenInfo{
		Token:        strings.ToLower(token),
		Symbol:       "TKN",
		PriceUSD:     price,
		LiquidityUSD: liquidity,
		PoolAddress:  pool,
	}
}

func (m *mockTokens) remove(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.infos, strings.ToLower(token))
}

func (m *mockTokens) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockTokens) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTokens) TokenInfo(ctx context.Context, chain, token string) (*dexscreener.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.infos[strings.ToLower(token)]
	if !ok {
		return nil, dexscreener.ErrNoPair
	}
	cp := *info
	cp.Chain = chain
	return &cp, nil
}

func (m *mockTokens) TokenInfos(ctx context.Context, chain string, tokens []string) (map[string]*dexscreener.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]*dexscreener.TokenInfo, len(tokens))
	for _, tok := range tokens {
		if info, ok := m.infos[strings.ToLower(tok)]; ok {
			cp := *info
			out[strings.ToLower(tok)] = &cp
		}
	}
	return out, nil
}

// mockSafety returns a clean report unless told otherwise.
type mockSafety struct {
	mu      sync.Mutex
	reports map[string]*goplus.SafetyReport
	err     error
}

func newMockSafety() *mockSafety {
	return &mockSafety{reports: make(map[string]*goplus.SafetyReport)}
}

func (m *mockSafety) TokenSafety(ctx context.Context, chainID int64, token string) (*goplus.SafetyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.reports[strings.ToLower(token)]; ok {
		cp := *r
		return &cp, nil
	}
	return &goplus.SafetyReport{Token: strings.ToLower(token), Symbol: "TKN"}, nil
}

// mockDecimals reports 18 decimals for every token unless told otherwise.
type mockDecimals struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockDecimals) TokenDecimals(ctx context.Context, chain, token string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return 18, nil
}

// mockHistory serves canned explorer transfers per wallet.
type mockHistory struct {
	mu        sync.Mutex
	transfers map[string][]explorer.TokenTransfer
	err       error
	calls     int
}

func newMockHistory() *mockHistory {
	return &mockHistory{transfers: make(map[string][]explorer.TokenTransfer)}
}

func (m *mockHistory) add(wallet string, tx explorer.TokenTransfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(wallet)
	m.transfers[key] = append(m.transfers[key], tx)
}

func (m *mockHistory) TokenTransfers(ctx context.Context, baseURL, apiKey, wallet string, limit int) ([]explorer.TokenTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	txs := m.transfers[strings.ToLower(wallet)]
	return append([]explorer.TokenTransfer(nil), txs...), nil
}

// staticWallets is a fixed WalletSource.
type staticWallets struct {
	mu      sync.Mutex
	wallets map[string][]string
}

func (s *staticWallets) set(chain string, wallets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallets == nil {
		s.wallets = make(map[string][]string)
	}
	s.wallets[chain] = wallets
}

func (s *staticWallets) QualifiedWallets(ctx context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.wallets))
	for k, v := range s.wallets {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// recordingBus keeps every published event.
type recordingBus struct {
	mu     sync.Mutex
	events []TradeEvent
}

func (b *recordingBus) Publish(ev TradeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) all() []TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TradeEvent(nil), b.events...)
}

func (b *recordingBus) kinds(kind EventKind) []TradeEvent {
	var out []TradeEvent
	for _, ev := range b.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// recordingNotifier keeps every alert sent.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notifier.CopyTradeAlert
}

func (n *recordingNotifier) SendCopyTradeAlert(alert notifier.CopyTradeAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// fakeConn is an in-memory StreamConn. Subscribe hands out increasing
// correlation ids; tests push acks and logs through push.
type fakeConn struct {
	mu           sync.Mutex
	nextID       uint64
	subscribes   []logstream.FilterQuery
	subIDs       []uint64
	unsubscribes []string
	msgs         chan logstream.Message
	done         chan struct{}
	closeOnce    sync.Once
	err          error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs: make(chan logstream.Message, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(filter logstream.FilterQuery) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subscribes = append(c.subscribes, filter)
	c.subIDs = append(c.subIDs, c.nextID)
	return c.nextID, nil
}

func (c *fakeConn) Unsubscribe(subID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.unsubscribes = append(c.unsubscribes, subID)
	return c.nextID, nil
}

func (c *fakeConn) Messages() <-chan logstream.Message { return c.msgs }
func (c *fakeConn) Done() <-chan struct{}             { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(msg logstream.Message) {
	c.msgs <- msg
}

// ackAll acknowledges every subscribe issued so far, numbering
// subscriptions from base.
func (c *fakeConn) ackAll(base int) {
	c.mu.Lock()
	ids := append([]uint64(nil), c.subIDs...)
	c.mu.Unlock()
	for i, id := range ids {
		c.push(logstream.Message{Kind: logstream.KindAck, ID: id, SubscriptionID: fmt.Sprintf("0xsub%d", base+i)})
	}
}

func (c *fakeConn) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribes)
}

func (c *fakeConn) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsubscribes)
}

func (c *fakeConn) filters() []logstream.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logstream.FilterQuery(nil), c.subscribes...)
}

// fakeDialer hands out fakeConns and remembers them.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testAddr returns a deterministic lower-case address.
func testAddr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

// transferLog builds an ERC-20 Transfer log.
func transferLog(token, from, to string, amount int64, tx int) types.Log {
	return types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			evm.TransferEvent,
			evm.PadAddress(common.HexToAddress(from)),
			evm.PadAddress(common.HexToAddress(to)),
		},
		Data:   common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		TxHash: common.BigToHash(big.NewInt(int64(tx))),
	}
}

// burnLog builds a V2 pool Burn log.
func burnLog(pool string, tx int) types.Log {
	return types.Log{
		Address: common.HexToAddress(pool),
		Topics:  []common.Hash{evm.BurnV2Event},
		TxHash:  common.BigToHash(big.NewInt(int64(tx))),
	}
}

// traderFixture wires a CopyTrader over a memory store and mocks.
type traderFixture struct {
	store    *store.MemoryStore
	tokens   *mockTokens
	safety   *mockSafety
	decimals *mockDecimals
	bus      *recordingBus
	engine   *DecisionEngine
	breaker  *CircuitBreaker
	locks    *KeyedMutex
	trader   *CopyTrader
}

func newTraderFixture() *traderFixture {
	f := &traderFixture{
		store:    store.NewMemoryStore(),
		tokens:   newMockTokens(),
		safety:   newMockSafety(),
		decimals: &mockDecimals{},
		bus:      &recordingBus{},
		engine:   NewDecisionEngine(DefaultDecisionConfig()),
		breaker:  NewCircuitBreaker(),
		locks:    NewKeyedMutex(),
	}
	f.trader = NewCopyTrader(nil, f.store, f.engine, f.breaker, f.tokens, f.safety, f.decimals, nil, f.bus, f.locks, nil)
	return f
}

func (f *traderFixture) track(chain, wallet string, score float64) {
	_ = f.store.UpsertWallet(context.Background(), store.TrackedWallet{Chain: chain, Address: wallet, Score: score})
}

func (f *traderFixture) buy(chain, wallet, token string, tx int) error {
	return f.trader.HandleSignal(context.Background(), TransferSignal{
		Chain:    chain,
		Wallet:   wallet,
		Token:    token,
		Side:     store.SideBuy,
		TxHash:   fmt.Sprintf("0x%064x", tx),
		Decimals: -1,
		Source:   SourceStream,
	})
}

func (f *traderFixture) sell(chain, wallet, token string, tx int) error {
	return f.trader.HandleSignal(context.Background(), TransferSignal{
		Chain:    chain,
		Wallet:   wallet,
		Token:    token,
		Side:     store.SideSell,
		TxHash:   fmt.Sprintf("0x%064x", tx),
		Decimals: -1,
		Source:   SourceStream,
	})
}

var errBoom = errors.New("boom")
