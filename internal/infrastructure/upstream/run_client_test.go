package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RunClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewRunClient(&Config{
		BaseURL:        server.URL,
		APIKey:         "sk-test",
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	return client
}

func TestNewRunClient(t *testing.T) {
	t.Run("requires base URL and API key", func(t *testing.T) {
		_, err := NewRunClient(&Config{APIKey: "k"})
		assert.Error(t, err)
		_, err = NewRunClient(&Config{BaseURL: "http://localhost"})
		assert.Error(t, err)
	})
}

func TestRunClient_RetrieveRun(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/t1/runs/r1", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"completed","model":"gpt-4o"}`))
	})

	run, err := client.RetrieveRun(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "gpt-4o", run.Model)
}

func TestRunClient_ListSteps(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/t1/runs/r1/steps", r.URL.Path)
		w.Write([]byte(`{"data":[
			{"type":"message_creation","step_details":{"message_creation":{"message_id":"msg_1"}}},
			{"type":"tool_calls","step_details":{}}
		]}`))
	})

	steps, err := client.ListSteps(context.Background(), "t1", "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "message_creation", steps[0].Type)
	assert.Equal(t, "msg_1", steps[0].MessageID)
	assert.Empty(t, steps[1].MessageID)
}

func TestRunClient_RetrieveMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/t1/messages/msg_1", r.URL.Path)
		w.Write([]byte(`{"content":[
			{"type":"text","text":{"value":"hello world"}},
			{"type":"image_file"}
		]}`))
	})

	msg, err := client.RetrieveMessage(context.Background(), "t1", "msg_1")
	require.NoError(t, err)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "hello world", msg.Content[0].Text)
	assert.True(t, msg.Content[0].IsText())
	assert.False(t, msg.Content[1].IsText())
}

func TestRunClient_ErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.RetrieveRun(context.Background(), "t1", "r1")
	assert.Error(t, err)
}
