package transport_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakebot/keepsake/chat"
	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/llm"
	"github.com/keepsakebot/keepsake/memory/embedder/mock"
	"github.com/keepsakebot/keepsake/memory/store/chromem"
	"github.com/keepsakebot/keepsake/transport"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []string
}

func (m *scriptedModel) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil, errors.New("scripted model exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return &llm.Response{Text: resp}, nil
}

func newTestGateway(t *testing.T, model llm.CompletionModel) *transport.Gateway {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := filepath.Join(t.TempDir(), "keepsake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
system_prompt:
  bot_name: Nim
  user_name: Alice
  about: a companion
`), 0o644))
	cfgStore, err := config.NewStore(path, logger)
	require.NoError(t, err)

	facts, err := chromem.New(logger)
	require.NoError(t, err)
	t.Cleanup(func() { facts.Close() })

	registry := chat.NewRegistry(chat.Deps{
		Config:   cfgStore,
		Facts:    facts,
		Embedder: mock.New(),
		Model:    model,
		Logger:   logger,
	})
	return transport.NewGateway(registry, logger)
}

func dial(t *testing.T, gw *transport.Gateway) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame transport.Frame) transport.Frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
	var got transport.Frame
	require.NoError(t, conn.ReadJSON(&got))
	return got
}

func TestGateway_MessageNavigationScenario(t *testing.T) {
	model := &scriptedModel{responses: []string{"R1", "R2"}}
	gw := newTestGateway(t, model)
	conn := dial(t, gw)

	reply := roundTrip(t, conn, transport.Frame{
		Type: transport.FrameMessage, User: "u1", Name: "Alice", ID: 1, Content: "hi",
	})
	require.Equal(t, transport.FrameReply, reply.Type)
	assert.Equal(t, "R1", reply.Content)
	assert.False(t, reply.CanPrev)
	assert.False(t, reply.CanNext)
	slotID := reply.ID

	reply = roundTrip(t, conn, transport.Frame{Type: transport.FrameRegenerate, User: "u1"})
	require.Equal(t, transport.FrameReply, reply.Type)
	assert.Equal(t, "R2", reply.Content)
	assert.Equal(t, slotID, reply.ID)
	assert.True(t, reply.CanPrev)
	assert.False(t, reply.CanNext)

	reply = roundTrip(t, conn, transport.Frame{Type: transport.FramePrev, User: "u1", ID: slotID})
	require.Equal(t, transport.FrameReply, reply.Type)
	assert.Equal(t, "R1", reply.Content)
	assert.True(t, reply.CanNext)

	reply = roundTrip(t, conn, transport.Frame{Type: transport.FrameNext, User: "u1", ID: slotID})
	require.Equal(t, transport.FrameReply, reply.Type)
	assert.Equal(t, "R2", reply.Content)

	// a second next runs past the newest variant
	reply = roundTrip(t, conn, transport.Frame{Type: transport.FrameNext, User: "u1", ID: slotID})
	require.Equal(t, transport.FrameError, reply.Type)
	assert.Contains(t, reply.Error, "last variant")
}

func TestGateway_RegenerateWithoutReply(t *testing.T) {
	gw := newTestGateway(t, &scriptedModel{})
	conn := dial(t, gw)

	reply := roundTrip(t, conn, transport.Frame{Type: transport.FrameRegenerate, User: "u1"})
	require.Equal(t, transport.FrameError, reply.Type)
	assert.Contains(t, reply.Error, "no assistant reply")
}

func TestGateway_Clear(t *testing.T) {
	model := &scriptedModel{responses: []string{"R1"}}
	gw := newTestGateway(t, model)
	conn := dial(t, gw)

	reply := roundTrip(t, conn, transport.Frame{
		Type: transport.FrameMessage, User: "u1", Name: "Alice", ID: 1, Content: "hi",
	})
	require.Equal(t, transport.FrameReply, reply.Type)
	slotID := reply.ID

	cleared := roundTrip(t, conn, transport.Frame{Type: transport.FrameClear, User: "u1"})
	assert.Equal(t, transport.FrameCleared, cleared.Type)

	// navigation over the discarded session no longer resolves
	reply = roundTrip(t, conn, transport.Frame{Type: transport.FramePrev, User: "u1", ID: slotID})
	require.Equal(t, transport.FrameError, reply.Type)
	assert.Contains(t, reply.Error, "slot not found")
}

func TestGateway_RejectsMissingUser(t *testing.T) {
	gw := newTestGateway(t, &scriptedModel{})
	conn := dial(t, gw)

	reply := roundTrip(t, conn, transport.Frame{Type: transport.FrameMessage, Content: "hi"})
	require.Equal(t, transport.FrameError, reply.Type)
	assert.Contains(t, reply.Error, "user is required")
}

func TestGateway_UnknownFrameType(t *testing.T) {
	gw := newTestGateway(t, &scriptedModel{})
	conn := dial(t, gw)

	reply := roundTrip(t, conn, transport.Frame{Type: "dance", User: "u1"})
	require.Equal(t, transport.FrameError, reply.Type)
	assert.Contains(t, reply.Error, "unknown frame type")
}
