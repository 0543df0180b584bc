// Package config binds the server's runtime options (spec.md §6.4) via
// spf13/viper: every option can be set through an environment variable
// prefixed COLLAB_ (e.g. COLLAB_ROOM_EVENTS_LIMIT), with sensible defaults
// baked in so the server runs unconfigured out of the box.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of runtime options.
type Config struct {
	DataRoot            string
	HeartbitInterval    time.Duration
	DocumentLengthLimit int
	CompactionThreshold int
	RoomEventsLimit     int
	RoomSitesLimit      int
	RoomTTLDays         *int
	FlushInterval       time.Duration
	RoomNameLength      int
	ListenAddr          string
}

// Load reads configuration from the environment (COLLAB_ prefixed) over the
// defaults from spec.md §6.4: heartbeat=5s, documentLengthLimit=25_000,
// compactionThreshold=3x that, eventsLimit=compactionThreshold+documentLengthLimit,
// sitesLimit=20, ttlDays=30, flushInterval=10s, roomNameLength=14.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	const documentLengthLimit = 25_000
	const compactionThreshold = 3 * documentLengthLimit

	v.SetDefault("data_root", "./data")
	v.SetDefault("heartbit_interval_seconds", 5)
	v.SetDefault("document_length_limit", documentLengthLimit)
	v.SetDefault("room_compaction_threshold", compactionThreshold)
	v.SetDefault("room_events_limit", compactionThreshold+documentLengthLimit)
	v.SetDefault("room_sites_limit", 20)
	v.SetDefault("room_ttl_days", 30)
	v.SetDefault("flush_interval_seconds", 10)
	v.SetDefault("room_name_length", 14)
	v.SetDefault("listen_addr", ":8080")

	for _, key := range []string{
		"data_root", "heartbit_interval_seconds", "document_length_limit",
		"room_compaction_threshold", "room_events_limit", "room_sites_limit",
		"room_ttl_days", "flush_interval_seconds", "room_name_length", "listen_addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		DataRoot:            v.GetString("data_root"),
		HeartbitInterval:    time.Duration(v.GetInt("heartbit_interval_seconds")) * time.Second,
		DocumentLengthLimit: v.GetInt("document_length_limit"),
		CompactionThreshold: v.GetInt("room_compaction_threshold"),
		RoomEventsLimit:     v.GetInt("room_events_limit"),
		RoomSitesLimit:      v.GetInt("room_sites_limit"),
		FlushInterval:       time.Duration(v.GetInt("flush_interval_seconds")) * time.Second,
		RoomNameLength:      v.GetInt("room_name_length"),
		ListenAddr:          v.GetString("listen_addr"),
	}

	// 0 or negative disables TTL purging, matching the Python original's
	// "None disables purging" (viper has no native null for an env var).
	if ttl := v.GetInt("room_ttl_days"); ttl > 0 {
		cfg.RoomTTLDays = &ttl
	}

	return cfg, nil
}
