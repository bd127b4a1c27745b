package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// Config contains runtime settings for a node process.
type Config struct {
	ServerID raft.ID
	LogLevel string

	// RaftAddr is the listen address of the peer-to-peer transport.
	RaftAddr string
	// APIAddr is the listen address of the HTTP KV/admin API.
	APIAddr string
	// MetricsAddr serves Prometheus metrics; empty disables the endpoint.
	MetricsAddr string
	DataDir     string

	// Peers maps server ids to transport addresses, including this server.
	Peers map[raft.ID]string

	// Bootstrap creates a brand-new cluster from Peers as voters.
	Bootstrap bool

	PreVote           bool
	SnapshotThreshold uint64
	SnapshotTrailing  uint64

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		ServerID:           1,
		LogLevel:           "info",
		RaftAddr:           ":9090",
		APIAddr:            ":8080",
		DataDir:            "./var/zraft-1",
		PreVote:            true,
		TracingServiceName: "zraft",
	}
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
// - ZRAFT_SERVER_ID (uint, nonzero)
// - ZRAFT_LOG_LEVEL (debug|info|warn|error)
// - ZRAFT_RAFT_ADDR
// - ZRAFT_API_ADDR
// - ZRAFT_METRICS_ADDR (empty = disabled)
// - ZRAFT_DATA_DIR
// - ZRAFT_PEERS (comma-separated id=host:port pairs)
// - ZRAFT_BOOTSTRAP (true|false)
// - ZRAFT_PRE_VOTE (true|false)
// - ZRAFT_SNAPSHOT_THRESHOLD (uint, 0 = default)
// - ZRAFT_SNAPSHOT_TRAILING (uint, 0 = default)
// - ZRAFT_TRACING_ENABLED (true|false)
// - ZRAFT_TRACING_ENDPOINT
// - ZRAFT_TRACING_SERVICE_NAME
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("ZRAFT_SERVER_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("app: bad ZRAFT_SERVER_ID %q: %w", v, err)
		}
		cfg.ServerID = raft.ID(id)
	}
	if v := os.Getenv("ZRAFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZRAFT_RAFT_ADDR"); v != "" {
		cfg.RaftAddr = v
	}
	if v := os.Getenv("ZRAFT_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("ZRAFT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("ZRAFT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ZRAFT_PEERS"); v != "" {
		peers, err := parsePeers(v)
		if err != nil {
			return cfg, err
		}
		cfg.Peers = peers
	}

	var err error
	if cfg.Bootstrap, err = envBool("ZRAFT_BOOTSTRAP", cfg.Bootstrap); err != nil {
		return cfg, err
	}
	if cfg.PreVote, err = envBool("ZRAFT_PRE_VOTE", cfg.PreVote); err != nil {
		return cfg, err
	}
	if cfg.SnapshotThreshold, err = envUint("ZRAFT_SNAPSHOT_THRESHOLD", cfg.SnapshotThreshold); err != nil {
		return cfg, err
	}
	if cfg.SnapshotTrailing, err = envUint("ZRAFT_SNAPSHOT_TRAILING", cfg.SnapshotTrailing); err != nil {
		return cfg, err
	}
	if cfg.TracingEnabled, err = envBool("ZRAFT_TRACING_ENABLED", cfg.TracingEnabled); err != nil {
		return cfg, err
	}
	if v := os.Getenv("ZRAFT_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := os.Getenv("ZRAFT_TRACING_SERVICE_NAME"); v != "" {
		cfg.TracingServiceName = v
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.ServerID == 0 {
		return fmt.Errorf("app: server id must be nonzero")
	}
	if c.RaftAddr == "" {
		return fmt.Errorf("app: raft listen address required")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("app: api listen address required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("app: data dir required")
	}
	if len(c.Peers) > 0 {
		if _, ok := c.Peers[c.ServerID]; !ok {
			return fmt.Errorf("app: peers must include this server (%d)", c.ServerID)
		}
	}
	return nil
}

// parsePeers parses "1=host:9090,2=host:9091" into an id→address map.
func parsePeers(raw string) (map[raft.ID]string, error) {
	peers := map[raft.ID]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, addr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("app: bad peer entry %q (want id=addr)", part)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("app: bad peer id %q", idStr)
		}
		if _, dup := peers[raft.ID(id)]; dup {
			return nil, fmt.Errorf("app: duplicate peer id %d", id)
		}
		peers[raft.ID(id)] = strings.TrimSpace(addr)
	}
	return peers, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("app: bad %s %q: %w", name, v, err)
	}
	return b, nil
}

func envUint(name string, def uint64) (uint64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("app: bad %s %q: %w", name, v, err)
	}
	return u, nil
}
