// Package config loads the dedup engine's configuration from an ini file,
// following the same gopkg.in/ini.v1-backed pattern as server/conf.Cfg.
package config

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// Daemon holds daemon.* keys.
type Daemon struct {
	LockFile         string `ini:"lockfile"`
	DirtyFile        string `ini:"dirtyfile"`
	MaxMemory        int64  `ini:"max-memory"`
	MemoryParachute  int64  `ini:"memory-parachute"`
}

// Log holds log.* keys (the operation log, not the text logger).
type Log struct {
	Filename         string `ini:"filename"`
	MaxLogSize       int64  `ini:"max-log-size"`
	InfoFilename     string `ini:"info.filename"`
	InfoMaxItemCount int    `ini:"info.max-item-count"`
}

// LogReplay holds log-replay.* keys.
type LogReplay struct {
	ThrottleDefault      time.Duration `ini:"-"`
	ThrottleNearlyFull   time.Duration `ini:"-"`
	AreaSizeSystemIdle   int           `ini:"area-size-system-idle"`
	AreaSizeLogFull      int           `ini:"area-size-log-full"`
	ThrottleDefaultRaw   string        `ini:"throttle.default"`
	ThrottleNearlyFullRaw string       `ini:"throttle.nearly-full"`
}

// HashIndex holds the per-disk-hash-index keys for one index (ChunkIndex,
// BlockIndex, ContainerMeta or GCCandidates in Config). Load does not read
// these keys from the ini file: every hash index keeps Default's values.
type HashIndex struct {
	PageSize               int     `ini:"page-size"`
	Size                   int64   `ini:"size"`
	Sync                   string  `ini:"sync"`
	Filename               []string
	PageLockCount          int    `ini:"page-lock-count"`
	MaxKeySize             int    `ini:"max-key-size"`
	MaxValueSize           int    `ini:"max-value-size"`
	Checksum               bool   `ini:"checksum"`
	EstimatedMaxFillRatio  float64 `ini:"estimated-max-fill-ratio"`
	OverflowArea           bool   `ini:"overflow-area"`
	WriteCache             bool   `ini:"write-cache"`
	WriteCacheMaxItemCount int    `ini:"write-cache.max-item-count"`
	WriteCacheMaxPageCount int    `ini:"write-cache.max-page-count"`
}

// Container holds the keys of the [container] section. Load does not read
// size or filename; those keep Default's values.
type Container struct {
	ContainerSize       int      `ini:"container-size"`
	Size                int64    `ini:"size"`
	Filename            []string
	FileSize            int64    `ini:"filesize"`
	Compression         string   `ini:"compression"`
	ReadCacheSize       int      `ini:"read-cache-size"`
	WriteContainerCount int      `ini:"write-container-count"`
	WriteCacheStrategy  string   `ini:"write-cache.strategy"`
}

// GC holds gc.* keys.
type GC struct {
	Type              string `ini:"type"`
	Threshold         int64  `ini:"threshold"`
	ItemCountThreshold int   `ini:"item-count-threshold"`
	BucketSize        int64  `ini:"bucket-size"`
	EvictionTimeout   time.Duration `ini:"-"`
	EvictionTimeoutRaw string `ini:"eviction-timeout"`
	Filename          []string
	MaxItemCount      int `ini:"max-item-count"`
}

// Stats holds stats.* keys.
type Stats struct {
	PersistInterval time.Duration `ini:"-"`
	UpdateLogInterval time.Duration `ini:"-"`
}

// Config is the fully parsed engine configuration.
type Config struct {
	Raw *ini.File

	Daemon        Daemon
	Log           Log
	LogReplay     LogReplay
	ChunkIndex    HashIndex
	BlockIndex    HashIndex
	ContainerMeta HashIndex
	GCCandidates  HashIndex
	Container     Container
	GC            GC
	Stats         Stats
}

// Default returns a configuration with the defaults the teacher's Cfg used
// for its own fields: sane, small, suitable for tests.
func Default() *Config {
	return &Config{
		Raw: ini.Empty(),
		Daemon: Daemon{
			LockFile:        "daemon.lockfile",
			DirtyFile:       "daemon.dirtyfile",
			MaxMemory:       0,
			MemoryParachute: 16 << 20,
		},
		Log: Log{
			Filename:         "op.log",
			MaxLogSize:       64 << 20,
			InfoFilename:     "op.log.info",
			InfoMaxItemCount: 4096,
		},
		LogReplay: LogReplay{
			ThrottleDefault:    10 * time.Millisecond,
			ThrottleNearlyFull: 0,
			AreaSizeSystemIdle: 16,
			AreaSizeLogFull:    256,
		},
		ChunkIndex: HashIndex{
			PageSize:              4096,
			Size:                  256 << 20,
			Sync:                  "lazy_sync",
			PageLockCount:         64,
			MaxKeySize:            20,
			MaxValueSize:          64,
			Checksum:              true,
			EstimatedMaxFillRatio: 0.8,
			OverflowArea:          true,
			WriteCache:            true,
			WriteCacheMaxItemCount: 4096,
			WriteCacheMaxPageCount: 1024,
		},
		BlockIndex: HashIndex{
			PageSize:              4096,
			Size:                  128 << 20,
			Sync:                  "lazy_sync",
			PageLockCount:         64,
			MaxKeySize:            16,
			MaxValueSize:          4096,
			Checksum:              true,
			EstimatedMaxFillRatio: 0.8,
			OverflowArea:          true,
			WriteCache:            true,
			WriteCacheMaxItemCount: 2048,
			WriteCacheMaxPageCount: 512,
		},
		ContainerMeta: HashIndex{
			PageSize:              4096,
			Size:                  64 << 20,
			Sync:                  "sync",
			PageLockCount:         16,
			MaxKeySize:            8,
			MaxValueSize:          64,
			Checksum:              true,
			EstimatedMaxFillRatio: 0.8,
			OverflowArea:          true,
			WriteCache:            true,
			WriteCacheMaxItemCount: 1024,
			WriteCacheMaxPageCount: 256,
		},
		GCCandidates: HashIndex{
			PageSize:              4096,
			Size:                  32 << 20,
			Sync:                  "lazy_sync",
			PageLockCount:         16,
			MaxKeySize:            8,
			MaxValueSize:          4096,
			Checksum:              false,
			EstimatedMaxFillRatio: 0.8,
			OverflowArea:          false,
			WriteCache:            true,
			WriteCacheMaxItemCount: 512,
			WriteCacheMaxPageCount: 128,
		},
		Container: Container{
			ContainerSize:       4 << 20,
			Size:                0,
			FileSize:            256 << 20,
			Compression:         "none",
			ReadCacheSize:       64,
			WriteContainerCount: 4,
			WriteCacheStrategy:  "earliest-free",
		},
		GC: GC{
			Type:               "greedy",
			Threshold:          1 << 20,
			ItemCountThreshold: 32,
			BucketSize:         64 << 10,
			EvictionTimeout:    10 * time.Second,
			MaxItemCount:       1 << 16,
		},
		Stats: Stats{
			PersistInterval:   30 * time.Second,
			UpdateLogInterval: 5 * time.Second,
		},
	}
}

// Load reads an ini file at path and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := ini.Load(path)
	if err != nil {
		return nil, errors.Annotatef(err, "loading config %s", path)
	}
	cfg.Raw = raw

	if sec, err := raw.GetSection("daemon"); err == nil {
		cfg.Daemon.LockFile = sec.Key("lockfile").MustString(cfg.Daemon.LockFile)
		cfg.Daemon.DirtyFile = sec.Key("dirtyfile").MustString(cfg.Daemon.DirtyFile)
		cfg.Daemon.MaxMemory = sec.Key("max-memory").MustInt64(cfg.Daemon.MaxMemory)
		cfg.Daemon.MemoryParachute = sec.Key("memory-parachute").MustInt64(cfg.Daemon.MemoryParachute)
	}
	if sec, err := raw.GetSection("log"); err == nil {
		cfg.Log.Filename = sec.Key("filename").MustString(cfg.Log.Filename)
		cfg.Log.MaxLogSize = sec.Key("max-log-size").MustInt64(cfg.Log.MaxLogSize)
		cfg.Log.InfoFilename = sec.Key("info.filename").MustString(cfg.Log.InfoFilename)
		cfg.Log.InfoMaxItemCount = sec.Key("info.max-item-count").MustInt(cfg.Log.InfoMaxItemCount)
	}
	if sec, err := raw.GetSection("log-replay"); err == nil {
		cfg.LogReplay.ThrottleDefault = sec.Key("throttle.default").MustDuration(cfg.LogReplay.ThrottleDefault)
		cfg.LogReplay.ThrottleNearlyFull = sec.Key("throttle.nearly-full").MustDuration(cfg.LogReplay.ThrottleNearlyFull)
		cfg.LogReplay.AreaSizeSystemIdle = sec.Key("area-size-system-idle").MustInt(cfg.LogReplay.AreaSizeSystemIdle)
		cfg.LogReplay.AreaSizeLogFull = sec.Key("area-size-log-full").MustInt(cfg.LogReplay.AreaSizeLogFull)
	}
	if sec, err := raw.GetSection("container"); err == nil {
		cfg.Container.ContainerSize = sec.Key("container-size").MustInt(cfg.Container.ContainerSize)
		cfg.Container.FileSize = sec.Key("filesize").MustInt64(cfg.Container.FileSize)
		cfg.Container.Compression = sec.Key("compression").MustString(cfg.Container.Compression)
		cfg.Container.ReadCacheSize = sec.Key("read-cache-size").MustInt(cfg.Container.ReadCacheSize)
		cfg.Container.WriteContainerCount = sec.Key("write-container-count").MustInt(cfg.Container.WriteContainerCount)
		cfg.Container.WriteCacheStrategy = sec.Key("write-cache.strategy").MustString(cfg.Container.WriteCacheStrategy)
	}
	if sec, err := raw.GetSection("gc"); err == nil {
		cfg.GC.Type = sec.Key("type").MustString(cfg.GC.Type)
		cfg.GC.Threshold = sec.Key("threshold").MustInt64(cfg.GC.Threshold)
		cfg.GC.ItemCountThreshold = sec.Key("item-count-threshold").MustInt(cfg.GC.ItemCountThreshold)
		cfg.GC.BucketSize = sec.Key("bucket-size").MustInt64(cfg.GC.BucketSize)
		cfg.GC.EvictionTimeout = sec.Key("eviction-timeout").MustDuration(cfg.GC.EvictionTimeout)
		cfg.GC.MaxItemCount = sec.Key("max-item-count").MustInt(cfg.GC.MaxItemCount)
	}
	if sec, err := raw.GetSection("stats"); err == nil {
		cfg.Stats.PersistInterval = sec.Key("persist-interval").MustDuration(cfg.Stats.PersistInterval)
		cfg.Stats.UpdateLogInterval = sec.Key("update.log-interval").MustDuration(cfg.Stats.UpdateLogInterval)
	}

	return cfg, nil
}
