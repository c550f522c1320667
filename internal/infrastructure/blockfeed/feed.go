package blockfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

// Ensure Feed implements HeadFeed
var _ gateway.HeadFeed = (*Feed)(nil)

// Feed delivers new heads from a node's eth_subscribe("newHeads") stream
type Feed struct {
	url string
	log *logger.Logger

	// WebSocket
	wsConn      *websocket.Conn
	wsMu        sync.RWMutex
	writeMu     sync.Mutex
	wsConnected bool
	wsDone      chan struct{}
	wg          sync.WaitGroup

	nextID  int
	subs    map[string]bool
	pending map[int]bool

	// Handlers
	headHandlers []func(*entity.Head)
	handlerMu    sync.RWMutex
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type rpcHead struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// New creates a head feed for a websocket RPC endpoint
func New(url string, log *logger.Logger) *Feed {
	if log == nil {
		log = logger.Default()
	}
	return &Feed{
		url:     url,
		log:     log.WithField("component", "blockfeed"),
		subs:    make(map[string]bool),
		pending: make(map[int]bool),
	}
}

// Connect dials the node
func (f *Feed) Connect(ctx context.Context) error {
	if f.url == "" {
		return fmt.Errorf("websocket url is required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	f.wsMu.Lock()
	f.wsConn = conn
	f.wsConnected = true
	f.wsDone = make(chan struct{})
	f.wsMu.Unlock()

	f.wg.Add(1)
	go f.wsReadLoop(conn)

	f.log.Info("Connected to %s", f.url)
	return nil
}

// Disconnect closes the connection and waits for the read loop
func (f *Feed) Disconnect(ctx context.Context) error {
	f.wsMu.Lock()
	if f.wsConn != nil {
		f.wsConnected = false
		close(f.wsDone)
		f.writeMu.Lock()
		_ = f.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		f.wsConn.Close()
		f.wsConn = nil
	}
	f.wsMu.Unlock()

	f.wg.Wait()
	f.log.Info("Disconnected")
	return nil
}

// SubscribeHeads registers handler and asks the node for newHeads
func (f *Feed) SubscribeHeads(ctx context.Context, handler func(*entity.Head)) error {
	f.handlerMu.Lock()
	f.headHandlers = append(f.headHandlers, handler)
	first := len(f.headHandlers) == 1
	f.handlerMu.Unlock()

	if !first {
		return nil
	}

	f.wsMu.Lock()
	f.nextID++
	id := f.nextID
	f.pending[id] = true
	f.wsMu.Unlock()

	return f.wsSend(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
	})
}

// wsSend sends a message via WebSocket
func (f *Feed) wsSend(msg interface{}) error {
	f.wsMu.RLock()
	conn := f.wsConn
	connected := f.wsConnected
	f.wsMu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// wsReadLoop reads messages until the connection closes
func (f *Feed) wsReadLoop(conn *websocket.Conn) {
	defer f.wg.Done()

	f.wsMu.RLock()
	done := f.wsDone
	f.wsMu.RUnlock()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					f.log.Error("WebSocket read error: %v", err)
				}
			}
			return
		}
		f.handleWSMessage(message)
	}
}

// handleWSMessage routes subscription confirmations and notifications
func (f *Feed) handleWSMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("Dropping malformed message: %v", err)
		return
	}

	if msg.ID != nil {
		f.wsMu.Lock()
		defer f.wsMu.Unlock()
		if !f.pending[*msg.ID] {
			return
		}
		delete(f.pending, *msg.ID)
		if msg.Error != nil {
			f.log.Error("eth_subscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
			return
		}
		var sub string
		if err := json.Unmarshal(msg.Result, &sub); err == nil {
			f.subs[sub] = true
			f.log.Debug("Subscribed to newHeads as %s", sub)
		}
		return
	}

	if msg.Method != "eth_subscription" || msg.Params == nil {
		return
	}
	f.wsMu.RLock()
	known := f.subs[msg.Params.Subscription]
	f.wsMu.RUnlock()
	if !known {
		return
	}

	var h rpcHead
	if err := json.Unmarshal(msg.Params.Result, &h); err != nil {
		f.log.Debug("Dropping malformed head: %v", err)
		return
	}
	f.handleHead(&entity.Head{
		Number:    uint64(h.Number),
		Hash:      h.Hash,
		Timestamp: time.Unix(int64(h.Timestamp), 0),
	})
}

func (f *Feed) handleHead(head *entity.Head) {
	f.handlerMu.RLock()
	defer f.handlerMu.RUnlock()
	for _, handler := range f.headHandlers {
		handler(head)
	}
}
