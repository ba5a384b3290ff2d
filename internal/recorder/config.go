package recorder

import (
	"fmt"
	"time"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
)

// Config controls the journal writer.
type Config struct {
	Dir             string        `mapstructure:"dir"`
	SegmentMaxBytes int64         `mapstructure:"segment_max_bytes"`
	QueueSize       int           `mapstructure:"queue_size"`
	BufferSize      int           `mapstructure:"buffer_size"`
	FilePrefix      string        `mapstructure:"file_prefix"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	// SyncEveryRecord fsyncs after each record. Live trading sets it; backtests leave it off.
	SyncEveryRecord bool `mapstructure:"sync_every_record"`
}

// DefaultConfig returns a baseline configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
		FilePrefix:      defaultFilePrefix,
		FlushInterval:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid journal config: dir is empty")
	}
	if c.SegmentMaxBytes <= recordHeaderSize+recordChecksumSize {
		return fmt.Errorf("invalid journal config: segment_max_bytes too small")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid journal config: queue_size must be > 0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid journal config: buffer_size must be > 0")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("invalid journal config: flush_interval must be >= 0")
	}
	return nil
}
