// SPDX-License-Identifier: MIT

package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

func setupGateway(t *testing.T) (*store.Store, *Gateway, *httptest.Server) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client, "", time.Hour, zerolog.Nop())
	g := New(st, time.Minute, zerolog.Nop())
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Close)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(srv.Close)
	return st, g, srv
}

func seedSession(t *testing.T, st *store.Store) *session.Session {
	t.Helper()
	s := &session.Session{
		SessionID: uuid.NewString(),
		SyncMode:  session.ModePerParticipant,
		Status:    session.StatusPending,
		Participants: []session.Participant{
			{ParticipantID: uuid.NewString(), ParticipantIndex: 0, TotalTimeMS: 300000, TimeRemainingMS: 300000},
		},
	}
	require.NoError(t, st.Create(context.Background(), s))
	return s
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?sessionId=" + sessionID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectDeliversInitialState(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)

	hello := readMsg(t, conn)
	assert.Equal(t, TypeConnected, hello.Type)
	assert.Equal(t, s.SessionID, hello.SessionID)

	sync := readMsg(t, conn)
	assert.Equal(t, TypeStateSync, sync.Type)
	require.NotNil(t, sync.State)
	assert.Equal(t, int64(1), sync.State.Version)
}

func TestRejectsMissingAndUnknownSession(t *testing.T) {
	_, _, srv := setupGateway(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws?sessionId=not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws?sessionId=" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObserverReceivesStateUpdates(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn) // CONNECTED
	readMsg(t, conn) // STATE_SYNC

	next := s.Clone()
	next.Status = session.StatusRunning
	_, err := st.Update(context.Background(), s.SessionID, next, 1)
	require.NoError(t, err)

	update := readMsg(t, conn)
	assert.Equal(t, TypeStateUpdate, update.Type)
	require.NotNil(t, update.State)
	assert.Equal(t, session.StatusRunning, update.State.Status)
	assert.Equal(t, int64(2), update.State.Version)
}

func TestObserverNotifiedOnDeletion(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn)
	readMsg(t, conn)

	require.NoError(t, st.Delete(context.Background(), s.SessionID))

	gone := readMsg(t, conn)
	assert.Equal(t, TypeSessionDeleted, gone.Type)
	assert.Equal(t, s.SessionID, gone.SessionID)
}

func TestPingPongAndReconnect(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn)
	readMsg(t, conn)

	writeMsg(t, conn, Message{Type: TypePing})
	pong := readMsg(t, conn)
	assert.Equal(t, TypePong, pong.Type)

	writeMsg(t, conn, Message{Type: TypeReconnect})
	sync := readMsg(t, conn)
	assert.Equal(t, TypeStateSync, sync.Type)
	require.NotNil(t, sync.State)
	assert.Equal(t, s.SessionID, sync.State.SessionID)
}

func TestUnknownClientMessageYieldsError(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn)
	readMsg(t, conn)

	writeMsg(t, conn, Message{Type: "SHRUG"})
	errMsg := readMsg(t, conn)
	assert.Equal(t, TypeError, errMsg.Type)
}

func TestUpdatesCrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = clientA.Close(); _ = clientB.Close() })

	// Two stores over the same Redis stand in for two instances.
	storeA := store.NewWithClient(clientA, "", time.Hour, zerolog.Nop())
	storeB := store.NewWithClient(clientB, "", time.Hour, zerolog.Nop())

	gatewayB := New(storeB, time.Minute, zerolog.Nop())
	require.NoError(t, gatewayB.Start(context.Background()))
	t.Cleanup(gatewayB.Close)
	srvB := httptest.NewServer(http.HandlerFunc(gatewayB.HandleWS))
	t.Cleanup(srvB.Close)

	s := seedSession(t, storeA)
	conn := dial(t, srvB, s.SessionID)
	readMsg(t, conn)
	readMsg(t, conn)

	// A write on instance A reaches the observer connected to B.
	next := s.Clone()
	next.Status = session.StatusRunning
	_, err := storeA.Update(context.Background(), s.SessionID, next, 1)
	require.NoError(t, err)

	update := readMsg(t, conn)
	assert.Equal(t, TypeStateUpdate, update.Type)
	assert.Equal(t, session.StatusRunning, update.State.Status)
}

func TestPushChannelPayloadForwardedVerbatim(t *testing.T) {
	st, _, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn)
	readMsg(t, conn)

	payload := []byte(`{"type":"TIMEOUT_WARNING","sessionId":"` + s.SessionID + `"}`)
	require.NoError(t, st.PublishPush(context.Background(), s.SessionID, payload))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(data))
}

func TestObserverCountTracksConnections(t *testing.T) {
	st, g, srv := setupGateway(t)
	s := seedSession(t, st)

	conn := dial(t, srv, s.SessionID)
	readMsg(t, conn)

	require.Eventually(t, func() bool {
		return g.ObserverCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return g.ObserverCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
