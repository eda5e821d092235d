package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poelstra/mhub-sub000/internal/hub"
	"github.com/poelstra/mhub-sub000/internal/node"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	logger := logging.NewLogger()
	h := hub.New(logger)
	require.NoError(t, h.Add(node.NewExchange("default", logger)))
	return h
}

func startTCP(t *testing.T) (*TCPServer, string) {
	t.Helper()
	s := NewTCPServer(newTestHub(t), "127.0.0.1:0", nil, logging.NewLogger(), nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Component().Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Component().Stop(ctx))
		require.NoError(t, <-errc)
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if addr := s.ListenAddr(); addr != "" {
			return s, addr
		}
		select {
		case err := <-errc:
			t.Fatalf("listener failed: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialTCP(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, bufio.NewReader(conn)
}

func readFrame(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &frame))
	return frame
}

func TestTCPPingRoundtrip(t *testing.T) {
	_, addr := startTCP(t)
	conn, r := dialTCP(t, addr)

	_, err := conn.Write([]byte(`{"type":"ping","seq":1}` + "\n"))
	require.NoError(t, err)

	frame := readFrame(t, r)
	assert.Equal(t, "pingack", frame["type"])
	assert.Equal(t, float64(1), frame["seq"])
}

func TestTCPToleratesCRLFAndEmptyLines(t *testing.T) {
	_, addr := startTCP(t)
	conn, r := dialTCP(t, addr)

	_, err := conn.Write([]byte("\r\n\n" + `{"type":"ping","seq":1}` + "\r\n\n" + `{"type":"ping","seq":2}` + "\n"))
	require.NoError(t, err)

	assert.Equal(t, float64(1), readFrame(t, r)["seq"])
	assert.Equal(t, float64(2), readFrame(t, r)["seq"])
}

func TestTCPReassemblesSplitFrames(t *testing.T) {
	_, addr := startTCP(t)
	conn, r := dialTCP(t, addr)

	for _, chunk := range []string{`{"type":"pi`, `ng","se`, `q":7}` + "\n"} {
		_, err := conn.Write([]byte(chunk))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	frame := readFrame(t, r)
	assert.Equal(t, "pingack", frame["type"])
	assert.Equal(t, float64(7), frame["seq"])
}

func TestTCPPublishDelivery(t *testing.T) {
	_, addr := startTCP(t)
	subConn, subR := dialTCP(t, addr)
	pubConn, pubR := dialTCP(t, addr)

	_, err := subConn.Write([]byte(`{"type":"subscribe","node":"default","pattern":"news/**","seq":1}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "suback", readFrame(t, subR)["type"])

	_, err = pubConn.Write([]byte(`{"type":"publish","node":"default","topic":"news/today","data":{"x":1},"seq":2}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "puback", readFrame(t, pubR)["type"])

	frame := readFrame(t, subR)
	require.Equal(t, "message", frame["type"])
	assert.Equal(t, "news/today", frame["topic"])
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, frame["data"])
	assert.Equal(t, "default", frame["subscription"])
}

func TestTCPProtocolErrorTerminates(t *testing.T) {
	_, addr := startTCP(t)
	conn, r := dialTCP(t, addr)

	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The error response arrives, then the broker closes the connection.
	frame := readFrame(t, r)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "invalid JSON")

	_, err = r.ReadString('\n')
	require.Error(t, err, "connection must be closed after a protocol error")
}

func TestTCPCommandErrorKeepsConnection(t *testing.T) {
	_, addr := startTCP(t)
	conn, r := dialTCP(t, addr)

	_, err := conn.Write([]byte(`{"type":"publish","node":"ghost","topic":"t","seq":1}` + "\n"))
	require.NoError(t, err)
	frame := readFrame(t, r)
	assert.Equal(t, "error", frame["type"])

	// A well-formed but failing command is not fatal.
	_, err = conn.Write([]byte(`{"type":"ping","seq":2}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "pingack", readFrame(t, r)["type"])
}

func startWebSocket(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ws := NewWebSocketServer(newTestHub(t), logging.NewLogger(), nil)
	router := gin.New()
	router.GET("/", ws.Handler())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return strings.Replace(server.URL, "http://", "ws://", 1)
}

func wsReadFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketPingRoundtrip(t *testing.T) {
	url := startWebSocket(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","seq":1}`)))
	frame := wsReadFrame(t, conn)
	assert.Equal(t, "pingack", frame["type"])
	assert.Equal(t, float64(1), frame["seq"])
}

func TestWebSocketSurvivesProtocolError(t *testing.T) {
	url := startWebSocket(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	frame := wsReadFrame(t, conn)
	assert.Equal(t, "error", frame["type"])

	// Unlike TCP, the WebSocket connection stays usable.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","seq":2}`)))
	assert.Equal(t, "pingack", wsReadFrame(t, conn)["type"])
}

func TestWebSocketPublishToTCPSubscriber(t *testing.T) {
	logger := logging.NewLogger()
	h := newTestHub(t)

	tcp := NewTCPServer(h, "127.0.0.1:0", nil, logger, nil)
	errc := make(chan error, 1)
	go func() { errc <- tcp.Component().Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tcp.Component().Stop(ctx)
		<-errc
	})
	deadline := time.Now().Add(5 * time.Second)
	for tcp.ListenAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	gin.SetMode(gin.TestMode)
	ws := NewWebSocketServer(h, logger, nil)
	router := gin.New()
	router.GET("/", ws.Handler())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	subConn, subR := dialTCP(t, tcp.ListenAddr())
	_, err := subConn.Write([]byte(`{"type":"subscribe","node":"default","seq":1}` + "\n"))
	require.NoError(t, err)
	require.Equal(t, "suback", readFrame(t, subR)["type"])

	wsConn, _, err := websocket.DefaultDialer.Dial(strings.Replace(server.URL, "http://", "ws://", 1), nil)
	require.NoError(t, err)
	defer wsConn.Close()
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"publish","node":"default","topic":"cross","seq":1}`)))
	assert.Equal(t, "puback", wsReadFrame(t, wsConn)["type"])

	frame := readFrame(t, subR)
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "cross", frame["topic"])
}
