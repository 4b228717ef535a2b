// Package config loads the server and storage configuration from an optional JSON file and the environment.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
)

// env vars for overriding the file and the defaults
const (
	// storage env vars
	DataDirVar      = "KVS_DATA_DIR"
	EngineVar       = "KVS_ENGINE"
	SegmentBytesVar = "KVS_SEGMENT_BYTES"
	MergeBytesVar   = "KVS_MERGE_BYTES"
	SyncIntervalVar = "KVS_SYNC_INTERVAL"

	// server env vars
	ServerAddrVar      = "KVS_SERVER_ADDR"
	ReadTimeoutVar     = "KVS_SERVER_READ_TIMEOUT"
	ShutdownTimeoutVar = "KVS_SERVER_SHUTDOWN_TIMEOUT"

	// admin env vars
	AdminAddrVar = "KVS_ADMIN_ADDR"

	LogLevelVar = "KVS_LOG_LEVEL"
)

type (
	// Config holds the database configuration
	Config struct {
		Storage Storage `json:"storage"`
		Server  Server  `json:"server"`
		Admin   Admin   `json:"admin"`
		Log     Log     `json:"log"`
	}

	// Storage holds the storage engine configuration
	Storage struct {
		// Directory is the engine root, it holds the engine metadata and the engine's data dir
		Directory string `json:"db_dir"`
		// Engine selects the engine, "kvs" or "art"; empty means whatever the directory was initialized with
		Engine string `json:"engine"`
		// SegmentBytes is the size a log segment may reach before the log rotates
		SegmentBytes int64 `json:"file_size"`
		// MergeBytes is the total log size above which a write triggers a merge
		MergeBytes   int64    `json:"merge_size"`
		SyncInterval Duration `json:"sync_interval"`
	}

	// Server holds the tcp server configuration
	Server struct {
		Addr            string   `json:"addr"`
		ReadTimeout     Duration `json:"read_timeout"`
		ShutdownTimeout Duration `json:"shutdown_timeout"`
	}

	// Admin holds the admin http configuration, an empty Addr disables it
	Admin struct {
		Addr string `json:"addr"`
	}

	// Log holds the logger configuration
	Log struct {
		Level string `json:"level"`
	}
)

// Duration is a time.Duration that reads and writes JSON as a duration string such as "5s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(dur)

	return nil
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Storage: Storage{
			Directory:    ".",
			SegmentBytes: 4 << 20,
			MergeBytes:   1 << 20,
		},
		Server: Server{
			Addr:            "127.0.0.1:4000",
			ReadTimeout:     Duration(5 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load returns the defaults overridden by the JSON file at path, if there is one, and then by the environment.
// An empty path or a missing file is not an error. Non-positive server timeouts fall back to the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not read config file: %s", path)
		default:
			err = json.Unmarshal(data, &cfg)
			if err != nil {
				return cfg, errors.Wrapf(kvs.WithKind(kvs.ErrParse, err), "could not parse config file: %s", path)
			}
		}
	}

	err := FromEnv(&cfg)
	if err != nil {
		return cfg, err
	}

	// a zero timeout would expire every deadline immediately
	def := Default()
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	return cfg, nil
}

// FromEnv overrides cfg with every KVS_* variable that is set.
func FromEnv(cfg *Config) error {
	if v := os.Getenv(DataDirVar); v != "" {
		cfg.Storage.Directory = v
	}

	if v := os.Getenv(EngineVar); v != "" {
		cfg.Storage.Engine = v
	}

	if err := envInt(SegmentBytesVar, &cfg.Storage.SegmentBytes); err != nil {
		return err
	}

	if err := envInt(MergeBytesVar, &cfg.Storage.MergeBytes); err != nil {
		return err
	}

	if err := envDuration(SyncIntervalVar, &cfg.Storage.SyncInterval); err != nil {
		return err
	}

	if v := os.Getenv(ServerAddrVar); v != "" {
		cfg.Server.Addr = v
	}

	if err := envDuration(ReadTimeoutVar, &cfg.Server.ReadTimeout); err != nil {
		return err
	}

	if err := envDuration(ShutdownTimeoutVar, &cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	if v, ok := os.LookupEnv(AdminAddrVar); ok {
		cfg.Admin.Addr = v
	}

	if v := os.Getenv(LogLevelVar); v != "" {
		cfg.Log.Level = v
	}

	return nil
}

func envInt(name string, dst *int64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrParse, err), "invalid %s", name)
	}

	*dst = n

	return nil
}

func envDuration(name string, dst *Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	dur, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrParse, err), "invalid %s", name)
	}

	*dst = Duration(dur)

	return nil
}
