package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/engine"
	"github.com/livesync-io/livesync/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng := engine.New(config.Default())
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return New(DefaultConfig(), eng)
}

func postMessage(t *testing.T, srv *Server, msg *types.Message) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/channel", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestChannelHeartbeat(t *testing.T) {
	srv := newTestServer(t)

	msg := &types.Message{ID: ulid.Make().String(), Type: types.MessageHeartbeat}
	rec := postMessage(t, srv, msg)

	require.Equal(t, http.StatusOK, rec.Code)
	var reply types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, types.MessageHeartbeatAck, reply.Type)
	assert.Equal(t, msg.ID, reply.ReplyTo)
}

func TestChannelMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/channel", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestChannelMissingType(t *testing.T) {
	srv := newTestServer(t)

	rec := postMessage(t, srv, &types.Message{ID: ulid.Make().String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelEventRepliesNoContent(t *testing.T) {
	srv := newTestServer(t)

	msg := &types.Message{ID: ulid.Make().String(), Type: types.MessageEvent}
	require.NoError(t, msg.SetPayload(types.EventPayload{EventType: "ping"}))

	rec := postMessage(t, srv, msg)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestChannelUnknownTypeStillReplies(t *testing.T) {
	srv := newTestServer(t)

	rec := postMessage(t, srv, &types.Message{ID: ulid.Make().String(), Type: "bogus"})

	require.Equal(t, http.StatusOK, rec.Code)
	var reply types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, types.MessageError, reply.Type)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
