// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cell

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dot-do/gitx/modules/streamio"
)

const (
	DefaultReadTimeout  = 2 * time.Hour
	DefaultWriteTimeout = 2 * time.Hour
	DefaultIdleTimeout  = 5 * time.Minute

	DefaultCloneTimeout   = 60 * time.Second
	DefaultFlushTimeout   = 10 * time.Second
	DefaultCompactTimeout = 30 * time.Second
	DefaultAlarmInterval  = 30 * time.Second

	MiByte = 1 << 20
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// S3 configures the bulk storage bucket. Absent, the cell runs on an
// in-memory bucket, which only makes sense for tests and local use.
type S3 struct {
	Endpoint        string `toml:"endpoint,omitempty"`
	Region          string `toml:"region,omitempty"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	AccessKeySecret string `toml:"access_key_secret"`
	ForcePathStyle  bool   `toml:"force_path_style,omitempty"`
}

// Cache tunes the object store's in-memory LRU.
type Cache struct {
	NumCounters int64 `toml:"num_counters"`
	MaxCost     int64 `toml:"max_cost"`
	BufferItems int64 `toml:"buffer_items"`
}

// Config is one cell's server configuration.
type Config struct {
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
	Parent    string `toml:"parent,omitempty"`
	// DataDir holds the cell's embedded database.
	DataDir string `toml:"data_dir"`
	// Prefix namespaces the cell's bulk storage keys; defaults to
	// cells/<namespace>.
	Prefix string `toml:"prefix,omitempty"`

	IdleTimeout  Duration `toml:"idle_timeout,omitempty"`
	ReadTimeout  Duration `toml:"read_timeout,omitempty"`
	WriteTimeout Duration `toml:"write_timeout,omitempty"`

	CloneTimeout   Duration `toml:"clone_timeout,omitempty"`
	FlushTimeout   Duration `toml:"flush_timeout,omitempty"`
	CompactTimeout Duration `toml:"compact_timeout,omitempty"`
	AlarmInterval  Duration `toml:"alarm_interval,omitempty"`

	// HotObjectMax and HotMaxBytes bound the hot tier.
	HotObjectMax int64 `toml:"hot_object_max,omitempty"`
	HotMaxBytes  int64 `toml:"hot_max_bytes,omitempty"`
	// SegmentCodec compresses columnar segments (snappy, lz4, lz4_raw,
	// zstd or uncompressed).
	SegmentCodec string `toml:"segment_codec,omitempty"`

	Metrics bool   `toml:"metrics,omitempty"`
	Cache   *Cache `toml:"cache,omitempty"`
	S3      *S3    `toml:"s3,omitempty"`
}

// NewExpandReader opens a config file, optionally expanding ${var}
// references from the environment.
func NewExpandReader(file string, expandEnv bool) (io.ReadCloser, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	if !expandEnv {
		return fd, nil
	}
	defer fd.Close()
	buf, err := streamio.GrowReadMax(fd, 64*MiByte, 4096)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(os.ExpandEnv(string(buf)))), nil
}

// NewConfig loads a config file and applies defaults.
func NewConfig(file string, expandEnv bool) (*Config, error) {
	r, err := NewExpandReader(file, expandEnv)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	cfg := &Config{
		Listen:       "127.0.0.1:21100",
		IdleTimeout:  Duration{Duration: DefaultIdleTimeout},
		ReadTimeout:  Duration{Duration: DefaultReadTimeout},
		WriteTimeout: Duration{Duration: DefaultWriteTimeout},
	}
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.fill()
	return cfg, nil
}

func (c *Config) fill() {
	if c.Prefix == "" && c.Namespace != "" {
		c.Prefix = path.Join("cells", c.Namespace)
	}
	if c.CloneTimeout.Duration <= 0 {
		c.CloneTimeout.Duration = DefaultCloneTimeout
	}
	if c.FlushTimeout.Duration <= 0 {
		c.FlushTimeout.Duration = DefaultFlushTimeout
	}
	if c.CompactTimeout.Duration <= 0 {
		c.CompactTimeout.Duration = DefaultCompactTimeout
	}
	if c.AlarmInterval.Duration <= 0 {
		c.AlarmInterval.Duration = DefaultAlarmInterval
	}
}
