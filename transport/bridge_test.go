package transport

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nanoclaw/store"
)

type recordedCallback struct {
	chatID  string
	payload string
}

type callbackRecorder struct {
	mu    sync.Mutex
	calls []recordedCallback
}

func (c *callbackRecorder) HandleCallback(_ context.Context, chatID, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCallback{chatID: chatID, payload: payload})
	return nil
}

func (c *callbackRecorder) snapshot() []recordedCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCallback(nil), c.calls...)
}

func newTestBridge(t *testing.T) (*Bridge, *store.Store, *callbackRecorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := NewBridge(Config{}, st, nil)
	recorder := &callbackRecorder{}
	require.NoError(t, b.Start(context.Background(), recorder))
	t.Cleanup(b.Close)
	return b, st, recorder
}

func TestInboundMessagePersisted(t *testing.T) {
	b, st, _ := newTestBridge(t)

	conn, err := nats.Connect(b.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	ts := time.Now().UTC().Truncate(time.Second)
	payload, err := json.Marshal(InboundMessage{
		ID:        "m1",
		Sender:    "alice",
		Text:      "hello",
		Timestamp: ts,
		ChatName:  "Main",
	})
	require.NoError(t, err)
	require.NoError(t, conn.Publish("chat.in.main@chat", payload))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool {
		msgs, err := st.MessagesAfterInChat("main@chat", time.Time{})
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	msgs, err := st.MessagesAfterInChat("main@chat", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestDuplicateInboundIgnored(t *testing.T) {
	b, st, _ := newTestBridge(t)

	conn, err := nats.Connect(b.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(InboundMessage{ID: "m1", Text: "hello", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Publish("chat.in.main@chat", payload))
	}
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool {
		msgs, err := st.MessagesAfterInChat("main@chat", time.Time{})
		return err == nil && len(msgs) >= 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	msgs, err := st.MessagesAfterInChat("main@chat", time.Time{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCallbackForwarded(t *testing.T) {
	b, _, recorder := newTestBridge(t)

	conn, err := nats.Connect(b.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(Callback{Payload: "approve:prop-1"})
	require.NoError(t, err)
	require.NoError(t, conn.Publish("chat.callback.main@chat", payload))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	calls := recorder.snapshot()
	assert.Equal(t, "main@chat", calls[0].chatID)
	assert.Equal(t, "approve:prop-1", calls[0].payload)
}

func TestSendMessagePublishesChunks(t *testing.T) {
	b, _, _ := newTestBridge(t)

	conn, err := nats.Connect(b.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	var mu sync.Mutex
	var got []string
	_, err = conn.Subscribe("chat.out.main@chat", func(msg *nats.Msg) {
		var body map[string]string
		if json.Unmarshal(msg.Data, &body) == nil {
			mu.Lock()
			got = append(got, body["text"])
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	long := strings.Repeat("line of output\n", 400) // ~6000 bytes
	require.NoError(t, b.SendMessage("main@chat", long))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(got, "\n")
	assert.Equal(t, strings.TrimRight(long, "\n"), joined)
	for _, chunk := range got {
		assert.LessOrEqual(t, len(chunk), MaxMessageSize)
	}
}

func TestChunkMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"short passes through", "hello", 100, 1},
		{"splits at line boundary", "aaaa\nbbbb\ncccc", 9, 2},
		{"hard splits long line", strings.Repeat("x", 25), 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkMessage(tt.text, tt.limit)
			assert.Len(t, chunks, tt.want)
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), tt.limit)
			}
			assert.Equal(t, strings.ReplaceAll(tt.text, "\n", ""),
				strings.ReplaceAll(strings.Join(chunks, ""), "\n", ""))
		})
	}
}
