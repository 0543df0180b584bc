package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/collabcrdt/server/internal/config"
	"github.com/collabcrdt/server/internal/repository"
	"github.com/collabcrdt/server/internal/wire"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	cfg := config.Config{
		DataRoot:            t.TempDir(),
		HeartbitInterval:    5 * time.Second,
		DocumentLengthLimit: 1000,
		CompactionThreshold: 500,
		RoomEventsLimit:     1000,
		RoomSitesLimit:      10,
		RoomNameLength:      10,
		FlushInterval:       time.Second,
	}
	repo, err := repository.New(repository.Config{
		Root:                cfg.DataRoot,
		RoomEventsLimit:     cfg.RoomEventsLimit,
		RoomSitesLimit:      cfg.RoomSitesLimit,
		DocumentLengthLimit: cfg.DocumentLengthLimit,
		CompactionThreshold: cfg.CompactionThreshold,
		RoomNameLength:      cfg.RoomNameLength,
	}, nil)
	require.NoError(t, err)

	s := NewServer(repo, cfg, nil, time.Now())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHealth(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/resource/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestCreateAndGetRoom(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Post(srv.URL+"/resource/room", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created roomModel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.RoomID, 10)
	require.Empty(t, created.Events)
	require.Equal(t, 1000, created.Settings.DocumentLimit)

	resp2, err := http.Get(srv.URL + "/resource/room/" + created.RoomID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestGetRoomNotFound(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/resource/room/doesnotexist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/resource/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "activeRooms")
	require.Contains(t, body, "totalRooms")
}

func TestWebSocketFullHandshake(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Post(srv.URL+"/resource/room", "application/json", nil)
	require.NoError(t, err)
	var created roomModel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/resource/room/" + created.RoomID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Step 1: catch-up.
	var catchUp wire.Message
	require.NoError(t, conn.ReadJSON(&catchUp))
	require.Empty(t, catchUp.CrdtEvents)

	// Step 3: client says Hello.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Hello")))

	// Step 4: server assigns siteId.
	var setSiteID wire.Message
	require.NoError(t, conn.ReadJSON(&setSiteID))
	require.NotNil(t, setSiteID.SetSiteID)
	siteID := setSiteID.SetSiteID.SiteID
	require.Equal(t, uint32(1), siteID)

	// Presence is required before crdtEvents are accepted.
	presenceRaw, err := json.Marshal(map[string]any{"siteId": siteID, "name": "tester"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]json.RawMessage{"sitePresence": presenceRaw}))

	var presenceEcho wire.Message
	require.NoError(t, conn.ReadJSON(&presenceEcho))
	require.NotNil(t, presenceEcho.SitePresence)
	require.Equal(t, siteID, presenceEcho.SitePresence.SiteID)

	// Send one insert event and expect no error (no broadcast back since
	// sole participant and sender is excluded).
	insert := wire.CrdtEvent{Type: "insert", GID: wire.GlobalID{Counter: 0, SiteID: siteID}}
	char := "a"
	insert.Char = &char
	require.NoError(t, conn.WriteJSON(map[string]any{"crdtEvents": []wire.CrdtEvent{insert}}))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "sole participant must not receive a heartbeat within this short window or its own event echo")
}
