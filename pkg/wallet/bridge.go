package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mailship/pkg/chains"
	"mailship/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// EIP-1193: the user rejected the request.
	rpcCodeUserRejected = 4001
	// EIP-3326: the wallet does not recognize the requested chain.
	rpcCodeUnrecognizedChain = 4902
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is an inbound frame: a response when ID is set, a
// notification when Method is set.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BridgeProvider talks to an injected EVM wallet through a wallet bridge:
// JSON-RPC 2.0 requests over a WebSocket, with accountsChanged and
// chainChanged arriving as JSON-RPC notifications. accountsChanged params
// carry the account list directly; chainChanged params carry a single hex
// chain id.
type BridgeProvider struct {
	conn   *websocket.Conn
	logger logging.Logger

	outbound chan rpcRequest
	events   chan Event

	mu      sync.Mutex
	pending map[uint64]chan rpcMessage
	nextID  uint64

	closeOnce sync.Once
	done      chan struct{}
}

// DialBridge connects to the wallet bridge and starts the read and write
// pumps. The returned provider is ready for calls immediately.
func DialBridge(ctx context.Context, url string, logger logging.Logger) (*BridgeProvider, error) {
	if logger == nil {
		logger = logging.NewLogger()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial wallet bridge: %w", err)
	}

	b := &BridgeProvider{
		conn:     conn,
		logger:   logger,
		outbound: make(chan rpcRequest, 16),
		events:   make(chan Event, 16),
		pending:  make(map[uint64]chan rpcMessage),
		done:     make(chan struct{}),
	}

	go b.readPump()
	go b.writePump()

	return b, nil
}

func (b *BridgeProvider) Kind() Kind { return KindMetaMask }

// Accounts performs the silent authorization read (eth_accounts).
func (b *BridgeProvider) Accounts(ctx context.Context) ([]string, error) {
	result, err := b.call(ctx, "eth_accounts", []interface{}{})
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("malformed eth_accounts result: %w", err)
	}
	return accounts, nil
}

// RequestAccounts triggers the wallet's connection-approval prompt
// (eth_requestAccounts).
func (b *BridgeProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	result, err := b.call(ctx, "eth_requestAccounts", []interface{}{})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeUserRejected {
			return nil, ErrUserRejected
		}
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("malformed eth_requestAccounts result: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

// ChainID reads the active chain and converts the provider's hex form to
// the canonical decimal id.
func (b *BridgeProvider) ChainID(ctx context.Context) (int, error) {
	result, err := b.call(ctx, "eth_chainId", []interface{}{})
	if err != nil {
		return 0, err
	}
	var hexID string
	if err := json.Unmarshal(result, &hexID); err != nil {
		return 0, fmt.Errorf("malformed eth_chainId result: %w", err)
	}
	return chains.ParseChainID(hexID)
}

// SignPersonalMessage requests an EIP-191 signature over the message
// (personal_sign).
func (b *BridgeProvider) SignPersonalMessage(ctx context.Context, message, address string) (string, error) {
	result, err := b.call(ctx, "personal_sign", []interface{}{message, address})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			if rpcErr.Code == rpcCodeUserRejected {
				return "", ErrSigningRejected
			}
			return "", fmt.Errorf("%w: %s", ErrSigningFailed, rpcErr.Message)
		}
		return "", err
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("%w: malformed result: %v", ErrSigningFailed, err)
	}
	return signature, nil
}

// SwitchChain asks the wallet to activate another chain
// (wallet_switchEthereumChain).
func (b *BridgeProvider) SwitchChain(ctx context.Context, chainID int) error {
	params := []interface{}{map[string]string{"chainId": chains.FormatChainID(chainID)}}
	_, err := b.call(ctx, "wallet_switchEthereumChain", params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case rpcCodeUserRejected:
				return ErrUserRejected
			case rpcCodeUnrecognizedChain:
				return fmt.Errorf("%w: chain %d", ErrUnsupportedChain, chainID)
			}
		}
	}
	return err
}

func (b *BridgeProvider) Events() <-chan Event { return b.events }

// Connected reports whether the bridge socket is still up. Used by the
// health checker.
func (b *BridgeProvider) Connected() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *BridgeProvider) Close() error {
	b.shutdown(nil)
	return nil
}

// call sends one JSON-RPC request and waits for its response.
func (b *BridgeProvider) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan rpcMessage, 1)

	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.pending[id] = ch
	b.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	select {
	case b.outbound <- req:
	case <-b.done:
		b.removePending(id)
		return nil, ErrClosed
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	}
}

func (b *BridgeProvider) removePending(id uint64) {
	b.mu.Lock()
	if b.pending != nil {
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// dispatch routes a response to its waiting call. Both dispatch and
// shutdown claim channels by removing them from the pending map under the
// mutex, so a channel is never sent to and closed concurrently.
func (b *BridgeProvider) dispatch(id uint64, msg rpcMessage) {
	b.mu.Lock()
	var ch chan rpcMessage
	if b.pending != nil {
		ch = b.pending[id]
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if ch == nil {
		b.logger.WithField("id", id).Debug("Dropping response with no pending call")
		return
	}
	ch <- msg
}

func (b *BridgeProvider) notify(msg rpcMessage) {
	var event Event
	switch EventType(msg.Method) {
	case EventAccountsChanged:
		var accounts []string
		if err := json.Unmarshal(msg.Params, &accounts); err != nil {
			b.logger.WithError(err).Warn("Malformed accountsChanged notification")
			return
		}
		event = Event{Type: EventAccountsChanged, Accounts: accounts}

	case EventChainChanged:
		var params []string
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			b.logger.Warn("Malformed chainChanged notification")
			return
		}
		event = Event{Type: EventChainChanged, ChainHex: params[0]}

	default:
		return
	}

	select {
	case b.events <- event:
	default:
		b.logger.WithField("event", string(event.Type)).Warn("Event buffer full, dropping notification")
	}
}

// readPump is the only sender on the events channel and closes it on exit.
func (b *BridgeProvider) readPump() {
	defer func() {
		b.shutdown(errors.New("bridge connection lost"))
		close(b.events)
	}()

	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg rpcMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.Connected() {
				b.logger.WithError(err).Warn("Wallet bridge read failed")
			}
			return
		}

		if msg.ID != nil {
			b.dispatch(*msg.ID, msg)
			continue
		}
		if msg.Method != "" {
			b.notify(msg)
		}
	}
}

func (b *BridgeProvider) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = b.conn.Close()
	}()

	for {
		select {
		case req := <-b.outbound:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteJSON(req); err != nil {
				b.logger.WithError(err).Warn("Wallet bridge write failed")
				b.shutdown(err)
				return
			}

		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.shutdown(err)
				return
			}

		case <-b.done:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = b.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// shutdown tears the provider down once: it fails every pending call,
// signals the pumps, and closes the socket. Safe to call from any
// goroutine.
func (b *BridgeProvider) shutdown(err error) {
	b.closeOnce.Do(func() {
		if err != nil {
			b.logger.WithError(err).Debug("Shutting down wallet bridge")
		}

		b.mu.Lock()
		pending := b.pending
		b.pending = nil
		b.mu.Unlock()

		close(b.done)
		for _, ch := range pending {
			close(ch)
		}
		_ = b.conn.Close()
	})
}
