package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/quill/pkg/agent"
	"github.com/harun/quill/pkg/draft"
	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/pipeline"
	"github.com/harun/quill/pkg/prompts"
	"github.com/harun/quill/pkg/thread"
)

// draftingProvider always proposes the same draft text.
type draftingProvider struct {
	content string
}

func (p *draftingProvider) Provider() string { return "scripted" }

func (p *draftingProvider) Call(ctx context.Context, request llm.Request) (*llm.Response, error) {
	return &llm.Response{ToolCalls: []llm.ToolCall{{
		ID:        "c1",
		Name:      agent.ToolProposeDraft,
		Arguments: map[string]interface{}{"content": p.content},
	}}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *thread.Store) {
	t.Helper()

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	store, err := thread.NewStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	controller := agent.NewController(&draftingProvider{content: "Hello!"}, agent.Config{MaxIterations: 5}, logger)
	coordinator := draft.NewCoordinator(store, logger)
	promptStore, err := prompts.NewStore("", false, logger)
	require.NoError(t, err)

	p := pipeline.New(store, nil, coordinator, controller, nil, promptStore, logger)

	s, err := NewServer(Config{Pipeline: p, Logger: logger, RunTimeout: 30 * time.Second})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func sendUpdate(t *testing.T, ts *httptest.Server, userID, threadName, content string) {
	t.Helper()

	resp := postJSON(t, ts.URL+"/send-messages", pipeline.ThreadUpdate{
		UserID:     userID,
		ThreadName: threadName,
		Messages: []pipeline.InboundMessage{{
			SenderName: "alice",
			Content:    content,
			Timestamp:  time.Now().UTC(),
		}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func waitForDraft(t *testing.T, ts *httptest.Server, userID string) thread.Message {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/draft-messages?user_id=%s", ts.URL, userID))
		require.NoError(t, err)

		var payload struct {
			Drafts []thread.Message `json:"drafts"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		resp.Body.Close()

		if len(payload.Drafts) > 0 {
			return payload.Drafts[0]
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("no draft appeared before the deadline")
	return thread.Message{}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessagesProducesDraft(t *testing.T) {
	ts, _ := newTestServer(t)
	userID := thread.NewUserID("alice")

	sendUpdate(t, ts, userID, "standup", "hello there")

	committed := waitForDraft(t, ts, userID)
	assert.Equal(t, "Hello!", committed.Content)
	assert.Equal(t, "standup", committed.ThreadName)
}

func TestSendMessages_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/send-messages", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/send-messages", map[string]string{"thread_name": "standup"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/send-messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProcessFeedbackRevisesDraft(t *testing.T) {
	ts, _ := newTestServer(t)
	userID := thread.NewUserID("alice")

	sendUpdate(t, ts, userID, "standup", "hello there")
	original := waitForDraft(t, ts, userID)

	resp := postJSON(t, ts.URL+"/process-feedback", pipeline.FeedbackRequest{
		UserID:         userID,
		ThreadName:     "standup",
		DraftMessageID: original.ID,
		Feedback:       "needs work",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		current := waitForDraft(t, ts, userID)
		if current.ID != original.ID {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("draft was not revised before the deadline")
}

func TestRejectDraft(t *testing.T) {
	ts, _ := newTestServer(t)
	userID := thread.NewUserID("alice")

	sendUpdate(t, ts, userID, "standup", "hello there")
	committed := waitForDraft(t, ts, userID)

	resp := postJSON(t, ts.URL+"/reject-draft", map[string]string{
		"user_id":          userID,
		"draft_message_id": committed.ID,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.True(t, payload["removed"])

	// Rejecting again reports nothing removed.
	resp = postJSON(t, ts.URL+"/reject-draft", map[string]string{
		"user_id":          userID,
		"draft_message_id": committed.ID,
	})
	defer resp.Body.Close()
	payload = map[string]bool{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.False(t, payload["removed"])
}

func TestDraftMessages_RequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/draft-messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketReceivesDraftEvent(t *testing.T) {
	ts, _ := newTestServer(t)
	userID := thread.NewUserID("alice")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sendUpdate(t, ts, userID, "standup", "hello there")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "draft.created", event.Event)
}
