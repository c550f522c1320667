package blockfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"go.uber.org/goleak"
)

// fakeNode answers one eth_subscribe and then pushes heads
func fakeNode(t *testing.T, heads ...uint64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || len(req.Params) != 1 || req.Params[0] != "newHeads" {
			_ = conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "unsupported"},
			})
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xabc"})

		// noise that must be ignored
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0", "method": "eth_subscription",
			"params": map[string]interface{}{"subscription": "0xother", "result": map[string]string{"number": "0x1"}},
		})

		for _, n := range heads {
			_ = conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xabc",
					"result": map[string]string{
						"number":    fmt.Sprintf("0x%x", n),
						"hash":      fmt.Sprintf("0x%064x", n),
						"timestamp": "0x5f5e100",
					},
				},
			})
		}
		// hold the connection until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedDeliversHeads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := fakeNode(t, 100, 101)
	defer srv.Close()

	feed := New(wsURL(srv), logger.Nop())
	ctx := context.Background()
	require.NoError(t, feed.Connect(ctx))

	got := make(chan *entity.Head, 4)
	require.NoError(t, feed.SubscribeHeads(ctx, func(h *entity.Head) { got <- h }))

	for _, want := range []uint64{100, 101} {
		select {
		case h := <-got:
			assert.Equal(t, want, h.Number)
			assert.Equal(t, int64(100_000_000), h.Timestamp.Unix())
			assert.Equal(t, fmt.Sprintf("0x%064x", want), h.Hash.Hex())
		case <-time.After(5 * time.Second):
			t.Fatalf("head %d not delivered", want)
		}
	}

	require.NoError(t, feed.Disconnect(ctx))
	assert.Empty(t, got)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	feed := New("ws://127.0.0.1:1", logger.Nop())
	err := feed.SubscribeHeads(context.Background(), func(*entity.Head) {})
	assert.Error(t, err)
}

func TestConnectRequiresURL(t *testing.T) {
	assert.Error(t, New("", logger.Nop()).Connect(context.Background()))
}

func TestHandleMessageIgnoresUnknownIDs(t *testing.T) {
	feed := New("", logger.Nop())
	var n int
	feed.headHandlers = append(feed.headHandlers, func(*entity.Head) { n++ })

	data, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 7, "result": "0xabc"})
	feed.handleWSMessage(data)
	assert.Empty(t, feed.subs)

	feed.pending[7] = true
	feed.handleWSMessage(data)
	assert.True(t, feed.subs["0xabc"])

	feed.handleWSMessage([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xabc","result":{"number":"0x2a","hash":"0x%064x","timestamp":"0x1"}}}`, 42)))
	assert.Equal(t, 1, n)
}
