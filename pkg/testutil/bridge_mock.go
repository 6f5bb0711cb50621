package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"mailship/pkg/auth"
)

// MockBridge is an in-process wallet bridge for tests: an httptest server
// that accepts a WebSocket connection and answers EIP-1193 style JSON-RPC
// requests the way an injected EVM wallet would. It holds a real secp256k1
// key, so personal_sign produces signatures that verify against Address().
type MockBridge struct {
	server *httptest.Server

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	priv         *btcec.PrivateKey
	address      string
	accounts     []string
	chainHex     string
	unknownChain string
	rejectNext   bool
	rejectSign   bool
	signFault    string
	requests     []string

	connectedOnce sync.Once
	connected     chan struct{}
}

type mockRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMockBridge starts the bridge with a fresh key, one authorized account
// and chain 0x1 active.
func NewMockBridge() *MockBridge {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic("testutil: failed to generate bridge key: " + err.Error())
	}
	address := auth.PubKeyToEthAddress(priv.PubKey())

	m := &MockBridge{
		priv:      priv,
		address:   address,
		accounts:  []string{address},
		chainHex:  "0x1",
		connected: make(chan struct{}),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the ws:// endpoint to dial.
func (m *MockBridge) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Address returns the EVM address of the bridge's signing key.
func (m *MockBridge) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// SetAccounts replaces the authorized account list.
func (m *MockBridge) SetAccounts(accounts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append([]string(nil), accounts...)
}

// SetChainHex sets the chain reported by eth_chainId.
func (m *MockBridge) SetChainHex(chainHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainHex = chainHex
}

// RejectNextConnect makes eth_requestAccounts fail with EIP-1193 code 4001.
func (m *MockBridge) RejectNextConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = true
}

// RejectSigning makes personal_sign fail with EIP-1193 code 4001.
func (m *MockBridge) RejectSigning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectSign = true
}

// FailSigning makes personal_sign fail with an internal wallet error.
func (m *MockBridge) FailSigning(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signFault = message
}

// MarkChainUnknown makes wallet_switchEthereumChain fail with EIP-3326
// code 4902 for the given chain.
func (m *MockBridge) MarkChainUnknown(chainHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknownChain = chainHex
}

// Requests returns the JSON-RPC methods received, in order.
func (m *MockBridge) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// EmitAccountsChanged pushes an accountsChanged notification. Blocks until
// a provider has connected.
func (m *MockBridge) EmitAccountsChanged(accounts []string) {
	<-m.connected
	m.mu.Lock()
	m.accounts = append([]string(nil), accounts...)
	m.mu.Unlock()
	m.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "accountsChanged",
		"params":  accounts,
	})
}

// EmitChainChanged pushes a chainChanged notification and updates the
// active chain. Blocks until a provider has connected.
func (m *MockBridge) EmitChainChanged(chainHex string) {
	<-m.connected
	m.mu.Lock()
	m.chainHex = chainHex
	m.mu.Unlock()
	m.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "chainChanged",
		"params":  []string{chainHex},
	})
}

// Close shuts the bridge down, dropping any live connection.
func (m *MockBridge) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.server.Close()
}

func (m *MockBridge) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.connectedOnce.Do(func() { close(m.connected) })

	for {
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			ID      uint64            `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		m.mu.Lock()
		m.requests = append(m.requests, req.Method)
		m.mu.Unlock()

		m.respond(req.ID, req.Method, req.Params)
	}
}

func (m *MockBridge) respond(id uint64, method string, params []json.RawMessage) {
	var result interface{}
	var rpcErr *mockRPCError

	m.mu.Lock()
	accounts := append([]string(nil), m.accounts...)
	chainHex := m.chainHex
	unknownChain := m.unknownChain
	rejectNext := m.rejectNext
	m.rejectNext = false
	rejectSign := m.rejectSign
	signFault := m.signFault
	priv := m.priv
	m.mu.Unlock()

	switch method {
	case "eth_accounts":
		result = accounts

	case "eth_requestAccounts":
		if rejectNext {
			rpcErr = &mockRPCError{Code: 4001, Message: "User rejected the request."}
		} else {
			result = accounts
		}

	case "eth_chainId":
		result = chainHex

	case "personal_sign":
		if rejectSign {
			rpcErr = &mockRPCError{Code: 4001, Message: "User rejected the request."}
			break
		}
		if signFault != "" {
			rpcErr = &mockRPCError{Code: -32603, Message: signFault}
			break
		}
		var message string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &message)
		}
		sig, err := auth.SignEthMessage(priv, message)
		if err != nil {
			rpcErr = &mockRPCError{Code: -32603, Message: err.Error()}
		} else {
			result = sig
		}

	case "wallet_switchEthereumChain":
		var target struct {
			ChainID string `json:"chainId"`
		}
		if len(params) > 0 && json.Unmarshal(params[0], &target) == nil && target.ChainID != "" {
			if target.ChainID == unknownChain {
				rpcErr = &mockRPCError{Code: 4902, Message: "Unrecognized chain ID. Try adding the chain using wallet_addEthereumChain first."}
				break
			}
			m.mu.Lock()
			m.chainHex = target.ChainID
			m.mu.Unlock()
		}

	default:
		rpcErr = &mockRPCError{Code: -32601, Message: "Method not found"}
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	m.write(resp)
}

func (m *MockBridge) write(v interface{}) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteJSON(v)
}
