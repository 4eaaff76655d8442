// Package config defines the TOML-backed configuration of tempokv
// binaries. Each Load starts from defaults, layers the file when one is
// given, then applies environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tempokv/tempokv/pkg/logger"
	"github.com/tempokv/tempokv/pkg/telemetry"
)

// Duration is time.Duration with TOML text syntax ("250ms", "2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ShardServer configures one shard server process.
type ShardServer struct {
	// NodeID names the process in logs and metrics.
	NodeID string `toml:"node_id"`
	// ListenAddr is the framed TCP transaction port.
	ListenAddr string `toml:"listen_addr"`
	// AdminAddr serves the HTTP admin API and /metrics.
	AdminAddr string `toml:"admin_addr"`
	// LoadAddr is the HTTP/3 bulk load endpoint, a UDP address. Empty
	// disables the load port.
	LoadAddr string `toml:"load_addr"`
	// CertFile and KeyFile serve the load endpoint; both empty means an
	// ephemeral self-signed certificate.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	Logging   logger.Config    `toml:"logging"`
	Telemetry telemetry.Config `toml:"telemetry"`
}

// Coordinator configures the client side shared by gateway, CLI and bench.
type Coordinator struct {
	// Shards lists every shard's transaction address, in shard order.
	// The order must match across all clients of one cluster.
	Shards []string `toml:"shards"`

	MaxAttempts     int      `toml:"max_attempts"`
	GetTimeout      Duration `toml:"get_timeout"`
	PutTimeout      Duration `toml:"put_timeout"`
	PrepareTimeout  Duration `toml:"prepare_timeout"`
	AbortTimeout    Duration `toml:"abort_timeout"`
	ClockErrorBound Duration `toml:"clock_error_bound"`
}

// Gateway configures the HTTP transaction gateway.
type Gateway struct {
	ListenAddr string `toml:"listen_addr"`
	// PoolSize is how many transactions the gateway runs concurrently.
	PoolSize    int         `toml:"pool_size"`
	Coordinator Coordinator `toml:"coordinator"`

	Logging   logger.Config    `toml:"logging"`
	Telemetry telemetry.Config `toml:"telemetry"`
}

// DefaultShardServer returns the out-of-the-box shard server setup.
func DefaultShardServer() *ShardServer {
	return &ShardServer{
		NodeID:     "shard1",
		ListenAddr: "127.0.0.1:7420",
		AdminAddr:  "127.0.0.1:7421",
		LoadAddr:   "127.0.0.1:7422",
		Logging:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry:  telemetry.Config{ServiceName: "tempokv-shard"},
	}
}

// DefaultGateway returns the out-of-the-box gateway setup, pointing at a
// single local shard.
func DefaultGateway() *Gateway {
	return &Gateway{
		ListenAddr: "127.0.0.1:7430",
		Coordinator: Coordinator{
			Shards: []string{"127.0.0.1:7420"},
		},
		Logging:   logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "tempokv-gateway"},
	}
}

// LoadShardServer reads path over the defaults; an empty path keeps them.
func LoadShardServer(path string) (*ShardServer, error) {
	cfg := DefaultShardServer()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if v := os.Getenv("TEMPOKV_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("TEMPOKV_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGateway reads path over the defaults; an empty path keeps them.
func LoadGateway(path string) (*Gateway, error) {
	cfg := DefaultGateway()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ShardServer) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("config: cert_file and key_file must be set together")
	}
	return nil
}

func (c *Coordinator) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("config: at least one shard address is required")
	}
	for i, addr := range c.Shards {
		if addr == "" {
			return fmt.Errorf("config: shard %d has an empty address", i)
		}
	}
	return nil
}

func (c *Gateway) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	return c.Coordinator.Validate()
}
