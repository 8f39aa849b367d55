package cache

import (
	"errors"
	"fmt"
	"os"

	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"

	"github.com/meigma/imgcache/codec"
)

// Default sizes, matching the sizes the cache has always shipped with.
const (
	DefaultMemCacheSize  = 5 << 20  // 5 MiB
	DefaultDiskCacheSize = 10 << 20 // 10 MiB
)

// Params configures an ImageCache. Params are copied by New and must not be
// changed afterwards.
type Params struct {
	// MemCacheSize is the memory tier capacity in bytes, or in entries when
	// MemCacheCountMode is set.
	MemCacheSize      int64 `yaml:"mem_cache_size"`
	MemCacheCountMode bool  `yaml:"mem_cache_count_mode"`

	DiskCacheSize int64  `yaml:"disk_cache_size"`
	DiskCacheDir  string `yaml:"disk_cache_dir"`

	// CompressFormat and CompressQuality control how decoded images are
	// re-encoded when written to disk.
	CompressFormat  codec.Format `yaml:"compress_format"`
	CompressQuality int          `yaml:"compress_quality"`

	MemoryCacheEnabled bool `yaml:"memory_cache_enabled"`
	DiskCacheEnabled   bool `yaml:"disk_cache_enabled"`

	// InitDiskCacheOnCreate opens the disk tier inside New instead of
	// waiting for InitDiskCache.
	InitDiskCacheOnCreate bool `yaml:"init_disk_cache_on_create"`

	// ClearDiskCacheOnStart wipes the disk tier every time it is opened.
	ClearDiskCacheOnStart bool `yaml:"clear_disk_cache_on_start"`
}

// DefaultParams returns Params with both tiers enabled and the disk tier
// rooted at dir.
func DefaultParams(dir string) Params {
	return Params{
		MemCacheSize:       DefaultMemCacheSize,
		DiskCacheSize:      DefaultDiskCacheSize,
		DiskCacheDir:       dir,
		CompressFormat:     codec.JPEG,
		CompressQuality:    codec.DefaultQuality,
		MemoryCacheEnabled: true,
		DiskCacheEnabled:   true,
	}
}

// SetMemCacheSizePercent sizes the memory tier as a fraction of total
// system memory. The fraction must be within [0.01, 0.8].
func (p *Params) SetMemCacheSizePercent(percent float64) error {
	if percent < 0.01 || percent > 0.8 {
		return fmt.Errorf("cache: memory percent %.2f outside [0.01, 0.8]", percent)
	}
	total := memory.TotalMemory()
	if total == 0 {
		return errors.New("cache: total memory unknown")
	}
	p.MemCacheSize = int64(percent * float64(total))
	p.MemCacheCountMode = false
	return nil
}

// SetMemCacheSizeCount bounds the memory tier by entry count.
func (p *Params) SetMemCacheSizeCount(n int) {
	p.MemCacheSize = int64(n)
	p.MemCacheCountMode = true
}

// Validate reports configuration that New cannot use.
func (p Params) Validate() error {
	if p.MemoryCacheEnabled && p.MemCacheSize <= 0 {
		return errors.New("cache: memory cache size must be > 0")
	}
	if p.DiskCacheEnabled {
		if p.DiskCacheDir == "" {
			return errors.New("cache: disk cache dir is empty")
		}
		if p.DiskCacheSize <= 0 {
			return errors.New("cache: disk cache size must be > 0")
		}
	}
	return nil
}

type paramsFile struct {
	Params `yaml:",inline"`

	// MemCachePercent overrides MemCacheSize when set.
	MemCachePercent float64 `yaml:"mem_cache_percent"`
	// MemCacheCount overrides MemCacheSize and selects count mode when set.
	MemCacheCount int `yaml:"mem_cache_count"`
}

// LoadParams reads Params from a YAML file. Fields missing from the file
// keep their DefaultParams values.
//
//	disk_cache_dir: /var/cache/images
//	disk_cache_size: 104857600
//	mem_cache_percent: 0.1
//	compress_format: png
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return Params{}, fmt.Errorf("cache: read params: %w", err)
	}
	return ParseParams(data)
}

// ParseParams decodes YAML params over DefaultParams.
func ParseParams(data []byte) (Params, error) {
	f := paramsFile{Params: DefaultParams("")}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Params{}, fmt.Errorf("cache: parse params: %w", err)
	}
	p := f.Params
	switch {
	case f.MemCacheCount > 0:
		p.SetMemCacheSizeCount(f.MemCacheCount)
	case f.MemCachePercent > 0:
		if err := p.SetMemCacheSizePercent(f.MemCachePercent); err != nil {
			return Params{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
