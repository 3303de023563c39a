// Package config loads engine settings from a file and the environment.
//
// Any format viper understands works (YAML, TOML, JSON). Every key can be
// overridden through QUERYCACHE_<KEY> with dots replaced by underscores, e.g.
// QUERYCACHE_GC_INTERVAL=30s. Resource entries only set the fields they name;
// the rest come from "defaults".
//
//	gc:
//	  interval: 1m
//	defaults:
//	  stale_after: 0s
//	  retain_after: 5m
//	  retry: {max_attempts: 3, base_delay: 200ms, max_delay: 5s}
//	resources:
//	  user:
//	    stale_after: 30s
//	    timeout: 2s
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/querycache/fetch"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "QUERYCACHE"

// File is the decoded configuration.
type File struct {
	Shards    int                 `mapstructure:"shards"`
	GC        GC                  `mapstructure:"gc"`
	Defaults  Resource            `mapstructure:"defaults"`
	Resources map[string]Resource `mapstructure:"resources"`
}

// GC configures the garbage collector.
type GC struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Retry mirrors fetch.RetryPolicy.
type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Resource is the file form of fetch.Resource (everything but the function).
type Resource struct {
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	RetainAfter  time.Duration `mapstructure:"retain_after"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retry        Retry         `mapstructure:"retry"`
	RefetchRate  float64       `mapstructure:"refetch_rate"`
	RefetchBurst int           `mapstructure:"refetch_burst"`
}

var defaults = map[string]any{
	"shards":                      0,
	"gc.interval":                 time.Minute,
	"defaults.stale_after":        time.Duration(0),
	"defaults.retain_after":       5 * time.Minute,
	"defaults.timeout":            time.Duration(0),
	"defaults.retry.max_attempts": 3,
	"defaults.retry.base_delay":   200 * time.Millisecond,
	"defaults.retry.max_delay":    5 * time.Second,
	"defaults.refetch_rate":       0.0,
	"defaults.refetch_burst":      1,
}

// NewViper returns a viper instance with defaults and environment overrides
// installed. Callers may bind flags on it before calling Decode.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (empty = defaults and environment only) and decodes it.
func Load(path string) (*File, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}
	return Decode(v)
}

// Decode unmarshals v and fills every unset resource field from defaults.
func Decode(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	for name, r := range f.Resources {
		f.Resources[name] = inherit(v, "resources."+name, r, f.Defaults)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// inherit copies every field not set under prefix from def.
func inherit(v *viper.Viper, prefix string, r, def Resource) Resource {
	set := func(field string) bool { return v.IsSet(prefix + "." + field) }
	if !set("stale_after") {
		r.StaleAfter = def.StaleAfter
	}
	if !set("retain_after") {
		r.RetainAfter = def.RetainAfter
	}
	if !set("timeout") {
		r.Timeout = def.Timeout
	}
	if !set("retry.max_attempts") {
		r.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if !set("retry.base_delay") {
		r.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if !set("retry.max_delay") {
		r.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if !set("refetch_rate") {
		r.RefetchRate = def.RefetchRate
	}
	if !set("refetch_burst") {
		r.RefetchBurst = def.RefetchBurst
	}
	return r
}

// Validate rejects settings the engine can't honour.
func (f *File) Validate() error {
	if f.Shards < 0 {
		return errors.Errorf("config: shards must be >= 0, got %d", f.Shards)
	}
	if f.GC.Interval < 0 {
		return errors.Errorf("config: gc.interval must be >= 0, got %s", f.GC.Interval)
	}
	check := func(name string, r Resource) error {
		switch {
		case r.Retry.MaxAttempts < 0:
			return errors.Errorf("config: %s: retry.max_attempts must be >= 0", name)
		case r.Retry.BaseDelay < 0 || r.Retry.MaxDelay < 0:
			return errors.Errorf("config: %s: retry delays must be >= 0", name)
		case r.Timeout < 0:
			return errors.Errorf("config: %s: timeout must be >= 0", name)
		case r.RefetchRate < 0:
			return errors.Errorf("config: %s: refetch_rate must be >= 0", name)
		}
		return nil
	}
	if err := check("defaults", f.Defaults); err != nil {
		return err
	}
	for name, r := range f.Resources {
		if err := check("resources."+name, r); err != nil {
			return err
		}
	}
	return nil
}

// Resource returns the fetch policy for name (viper lower-cases names), using
// defaults when name has no entry, bound to fn.
func (f *File) Resource(name string, fn fetch.Func) fetch.Resource {
	r, ok := f.Resources[strings.ToLower(name)]
	if !ok {
		r = f.Defaults
	}
	return r.bind(fn)
}

// Register registers every function in fns with its configured policy.
func (f *File) Register(reg *fetch.Registry, fns map[string]fetch.Func) error {
	for name, fn := range fns {
		if err := reg.Register(name, f.Resource(name, fn)); err != nil {
			return err
		}
	}
	return nil
}

func (r Resource) bind(fn fetch.Func) fetch.Resource {
	return fetch.Resource{
		Fetch:       fn,
		StaleAfter:  r.StaleAfter,
		RetainAfter: r.RetainAfter,
		Timeout:     r.Timeout,
		Retry: fetch.RetryPolicy{
			MaxAttempts: r.Retry.MaxAttempts,
			BaseDelay:   r.Retry.BaseDelay,
			MaxDelay:    r.Retry.MaxDelay,
		},
		RefetchRate:  r.RefetchRate,
		RefetchBurst: r.RefetchBurst,
	}
}
