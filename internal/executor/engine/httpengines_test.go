package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
)

func agnoTask() *v1.TaskData {
	return &v1.TaskData{
		TaskID:    3,
		SubtaskID: "s-1",
		Prompt:    "summarize the repo",
		UserID:    "42",
		Metadata:  map[string]interface{}{"session_id": "agno-sess"},
	}
}

func TestAgnoExecute(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/runs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"content":    "summary here",
			"session_id": "agno-sess",
		})
	}))
	defer srv.Close()

	e := NewAgno(config.EnginesConfig{AgnoBaseURL: srv.URL}, newTestLogger(t))
	sink := &collectSink{}

	require.NoError(t, e.Execute(context.Background(), agnoTask(), sink))

	assert.Equal(t, "summarize the repo", got["message"])
	assert.Equal(t, false, got["stream"])
	assert.Equal(t, "agno-sess", got["session_id"])
	assert.Equal(t, "42", got["user_id"])

	require.Len(t, sink.events, 2)
	assert.Equal(t, EventSystem, sink.events[0].Kind)
	require.Equal(t, EventResult, sink.events[1].Kind)
	res := sink.events[1].Result
	assert.Equal(t, "summary here", res.Text)
	assert.Equal(t, "agno-sess", res.SessionID)
	assert.False(t, res.IsError)
}

func TestAgnoServerErrorBecomesErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewAgno(config.EnginesConfig{AgnoBaseURL: srv.URL}, newTestLogger(t))
	sink := &collectSink{}

	require.NoError(t, e.Execute(context.Background(), agnoTask(), sink))

	res := sink.events[len(sink.events)-1].Result
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "API Error: 503")
	assert.Contains(t, res.Text, "upstream exploded")
}

func TestAgnoUnconfigured(t *testing.T) {
	e := NewAgno(config.EnginesConfig{}, newTestLogger(t))
	err := e.Execute(context.Background(), agnoTask(), &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestAgnoSinkStopsStream(t *testing.T) {
	stop := errors.New("stop now")
	e := NewAgno(config.EnginesConfig{AgnoBaseURL: "http://127.0.0.1:1"}, newTestLogger(t))
	sink := &collectSink{failAt: 1, err: stop}

	err := e.Execute(context.Background(), agnoTask(), sink)
	require.ErrorIs(t, err, stop, "sink errors propagate before any HTTP call")
}

func TestDifyExecute(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat-messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"answer":          "because of reasons",
			"conversation_id": "conv-7",
		})
	}))
	defer srv.Close()

	e := NewDify(config.EnginesConfig{DifyBaseURL: srv.URL, DifyAPIKey: "key-123"}, newTestLogger(t))
	task := &v1.TaskData{TaskID: 4, SubtaskID: "s", Prompt: "why?", UserID: "9"}
	sink := &collectSink{}

	require.NoError(t, e.Execute(context.Background(), task, sink))

	assert.Equal(t, "Bearer key-123", auth)
	assert.Equal(t, "why?", got["query"])
	assert.Equal(t, "blocking", got["response_mode"])
	assert.Equal(t, "9", got["user"])
	_, hasConv := got["conversation_id"]
	assert.False(t, hasConv, "no conversation_id without a session")

	res := sink.events[len(sink.events)-1].Result
	require.NotNil(t, res)
	assert.Equal(t, "because of reasons", res.Text)
	assert.Equal(t, "conv-7", res.SessionID, "conversation id is carried as the session")
}

func TestDifyContinuesConversation(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "more", "conversation_id": "conv-7"})
	}))
	defer srv.Close()

	e := NewDify(config.EnginesConfig{DifyBaseURL: srv.URL, DifyAPIKey: "k"}, newTestLogger(t))
	task := &v1.TaskData{
		TaskID:   4,
		Prompt:   "and then?",
		Metadata: map[string]interface{}{"session_id": "conv-7"},
	}

	require.NoError(t, e.Execute(context.Background(), task, &collectSink{}))
	assert.Equal(t, "conv-7", got["conversation_id"])
}

func TestDifyUnconfigured(t *testing.T) {
	e := NewDify(config.EnginesConfig{}, newTestLogger(t))
	err := e.Execute(context.Background(), &v1.TaskData{Prompt: "x"}, &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestHTTPEnginesRejectInterrupts(t *testing.T) {
	log := newTestLogger(t)
	assert.Error(t, NewAgno(config.EnginesConfig{}, log).Interrupt("1:s"))
	assert.Error(t, NewDify(config.EnginesConfig{}, log).Interrupt("1:s"))
	assert.Error(t, NewImageValidator(log).Interrupt("1:s"))
}
