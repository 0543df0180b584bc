package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.DataRoot)
	require.Equal(t, 5*time.Second, cfg.HeartbitInterval)
	require.Equal(t, 25_000, cfg.DocumentLengthLimit)
	require.Equal(t, 75_000, cfg.CompactionThreshold)
	require.Equal(t, 100_000, cfg.RoomEventsLimit)
	require.Equal(t, 20, cfg.RoomSitesLimit)
	require.NotNil(t, cfg.RoomTTLDays)
	require.Equal(t, 30, *cfg.RoomTTLDays)
	require.Equal(t, 10*time.Second, cfg.FlushInterval)
	require.Equal(t, 14, cfg.RoomNameLength)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("COLLAB_ROOM_SITES_LIMIT", "5")
	t.Setenv("COLLAB_ROOM_TTL_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RoomSitesLimit)
	require.Nil(t, cfg.RoomTTLDays, "0 (or negative) disables TTL purging")
}
