// Package logstream is a JSON-RPC over WebSocket client for eth_subscribe log
// subscriptions.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 10 * time.Second
	messageBuffer       = 1024
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrUnknownMessage = errors.New("unknown message shape")
)

// FilterQuery is the eth_subscribe "logs" filter. An empty topic position
// matches anything.
type FilterQuery struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

// MarshalJSON encodes the filter the way nodes expect: single-element topic
// positions collapse to a scalar and empty positions become null.
func (q FilterQuery) MarshalJSON() ([]byte, error) {
	arg := make(map[string]any, 2)

	switch len(q.Addresses) {
	case 0:
	case 1:
		arg["address"] = q.Addresses[0]
	default:
		arg["address"] = q.Addresses
	}

	if len(q.Topics) > 0 {
		topics := make([]any, len(q.Topics))
		for i, pos := range q.Topics {
			switch len(pos) {
			case 0:
				topics[i] = nil
			case 1:
				topics[i] = pos[0]
			default:
				topics[i] = pos
			}
		}
		arg["topics"] = topics
	}

	return json.Marshal(arg)
}

// MessageKind classifies an inbound frame.
type MessageKind int

const (
	KindAck MessageKind = iota
	KindRejection
	KindLog
)

func (k MessageKind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindRejection:
		return "rejection"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// Message is one parsed inbound frame.
type Message struct {
	Kind MessageKind
	// ID is the request correlation id for acks and rejections.
	ID uint64
	// SubscriptionID is set on eth_subscribe acks and log pushes.
	SubscriptionID string
	Err            *RPCError
	Log            types.Log
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRateLimit reports whether the node rejected the request for rate.
func (e *RPCError) IsRateLimit() bool {
	if e == nil {
		return false
	}
	if e.Code == 429 || e.Code == -32005 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// HandshakeError is a failed WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a handshake 429 or a rate-limit RPC
// error anywhere in its chain.
func IsRateLimited(err error) bool {
	var hs *HandshakeError
	if errors.As(err, &hs) {
		return hs.StatusCode == http.StatusTooManyRequests
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.IsRateLimit()
	}
	return false
}

// Stats are connection counters.
type Stats struct {
	MessageCount  uint64
	LastMessageAt time.Time
}

// Conn is a single WebSocket connection carrying any number of log
// subscriptions. It is not reusable after Close.
type Conn struct {
	logger       *zap.Logger
	url          string
	pingInterval time.Duration

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	nextID atomic.Uint64

	msgCh     chan Message
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	msgCount        uint64
	lastMsgUnixNano int64
}

// Dial opens a connection to url and starts its read and ping loops. The
// connection closes when ctx is canceled.
func Dial(ctx context.Context, logger *zap.Logger, url string, pingInterval time.Duration) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial log stream: %w", err)
	}

	c := &Conn{
		logger:       logger,
		url:          url,
		pingInterval: pingInterval,
		conn:         ws,
		msgCh:        make(chan Message, messageBuffer),
		done:         make(chan struct{}),
	}

	ws.SetCloseHandler(func(code int, text string) error {
		c.logger.Warn("log stream close frame received",
			zap.Int("code", code),
			zap.String("reason", text),
		)
		if code == websocket.CloseTryAgainLater || (code == websocket.ClosePolicyViolation && strings.Contains(strings.ToLower(text), "rate")) {
			c.setErr(&RPCError{Code: 429, Message: text})
		}
		return nil
	})

	go c.readLoop()
	go c.pingLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	return c, nil
}

// Subscribe sends eth_subscribe("logs", filter) and returns the request id
// the ack or rejection will carry.
func (c *Conn) Subscribe(filter FilterQuery) (uint64, error) {
	return c.call("eth_subscribe", "logs", filter)
}

// Unsubscribe sends eth_unsubscribe(subID).
func (c *Conn) Unsubscribe(subID string) (uint64, error) {
	return c.call("eth_unsubscribe", subID)
}

// Messages delivers parsed frames until the connection closes.
func (c *Conn) Messages() <-chan Message {
	return c.msgCh
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the error that ended the connection, nil for a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Stats() Stats {
	n := atomic.LoadUint64(&c.msgCount)
	ns := atomic.LoadInt64(&c.lastMsgUnixNano)

	var t time.Time
	if ns > 0 {
		t = time.Unix(0, ns)
	}
	return Stats{MessageCount: n, LastMessageAt: t}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (c *Conn) call(method string, params ...any) (uint64, error) {
	id := c.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	if err := c.writeJSON(req); err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	return id, nil
}

func (c *Conn) writeJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()

			if conn != nil {
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("log stream ping failed", zap.Error(err))
				}
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return
		}

		_, b, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("log stream read error", zap.String("url", redact(c.url)), zap.Error(err))
				c.setErr(err)
				_ = c.Close()
			}
			return
		}

		atomic.AddUint64(&c.msgCount, 1)
		atomic.StoreInt64(&c.lastMsgUnixNano, time.Now().UnixNano())

		msg, err := ParseMessage(b)
		if err != nil {
			c.logger.Debug("log stream dropped frame", zap.Error(err), zap.ByteString("frame", b))
			continue
		}

		select {
		case c.msgCh <- msg:
		case <-c.done:
			return
		}
	}
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rawLog struct {
	Address     common.Address  `json:"address"`
	Topics      []common.Hash   `json:"topics"`
	Data        hexutil.Bytes   `json:"data"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash     `json:"transactionHash"`
	TxIndex     *hexutil.Uint   `json:"transactionIndex"`
	BlockHash   *common.Hash    `json:"blockHash"`
	Index       *hexutil.Uint   `json:"logIndex"`
	Removed     bool            `json:"removed"`
}

func (r rawLog) toLog() types.Log {
	l := types.Log{
		Address: r.Address,
		Topics:  r.Topics,
		Data:    r.Data,
		TxHash:  r.TxHash,
		Removed: r.Removed,
	}
	if r.BlockNumber != nil {
		l.BlockNumber = uint64(*r.BlockNumber)
	}
	if r.TxIndex != nil {
		l.TxIndex = uint(*r.TxIndex)
	}
	if r.BlockHash != nil {
		l.BlockHash = *r.BlockHash
	}
	if r.Index != nil {
		l.Index = uint(*r.Index)
	}
	return l
}

// ParseMessage classifies a raw frame as an ack, a rejection or a log push.
func ParseMessage(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}

	if env.Method == "eth_subscription" && env.Params != nil {
		var raw rawLog
		if err := json.Unmarshal(env.Params.Result, &raw); err != nil {
			return Message{}, fmt.Errorf("decode log: %w", err)
		}
		return Message{
			Kind:           KindLog,
			SubscriptionID: env.Params.Subscription,
			Log:            raw.toLog(),
		}, nil
	}

	id := parseID(env.ID)

	if env.Error != nil {
		return Message{Kind: KindRejection, ID: id, Err: env.Error}, nil
	}

	if len(env.Result) > 0 {
		msg := Message{Kind: KindAck, ID: id}
		var subID string
		if err := json.Unmarshal(env.Result, &subID); err == nil {
			msg.SubscriptionID = subID
		}
		return msg, nil
	}

	return Message{}, ErrUnknownMessage
}

func parseID(raw json.RawMessage) uint64 {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// redact drops any path component, which commonly carries an API key.
func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return url[:i+3+j] + "/***"
		}
	}
	return url
}
