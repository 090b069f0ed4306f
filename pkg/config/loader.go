package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// ============================================================================
// SOURCES
// ============================================================================

// ConfigType identifies a configuration source.
type ConfigType string

const (
	ConfigTypeFile      ConfigType = "file"
	ConfigTypeConsul    ConfigType = "consul"
	ConfigTypeEtcd      ConfigType = "etcd"
	ConfigTypeZookeeper ConfigType = "zookeeper"
)

// ParseConfigType parses a source name from user input.
func ParseConfigType(s string) (ConfigType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return ConfigTypeFile, nil
	case "consul":
		return ConfigTypeConsul, nil
	case "etcd":
		return ConfigTypeEtcd, nil
	case "zookeeper", "zk":
		return ConfigTypeZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config type %q (valid: file, consul, etcd, zookeeper)", s)
	}
}

const (
	// watchDebounce coalesces the event bursts editors produce when
	// saving a file.
	watchDebounce = 200 * time.Millisecond

	// etcdDialTimeout bounds the initial etcd connection.
	etcdDialTimeout = 5 * time.Second
)

// ============================================================================
// LOADER
// ============================================================================

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Type selects the source. Default: file.
	Type ConfigType

	// Path is the file path, or the key/node for remote sources. The
	// value at that location is one YAML document.
	Path string

	// Endpoints addresses the remote store. Defaults: localhost:8500
	// (consul), localhost:2379 (etcd), localhost:2181 (zookeeper).
	Endpoints []string

	// Watch reloads the configuration when the source changes.
	Watch bool

	// OnChange is invoked with each successfully reloaded configuration.
	OnChange func(*Config) error

	// Logger receives watch and reload messages. Default: slog.Default.
	Logger *slog.Logger
}

// Loader loads configuration from one source and optionally watches it
// for changes. File sources are watched with fsnotify; remote sources
// use the store's native watch.
type Loader struct {
	options  LoaderOptions
	parser   *yaml.YAML
	provider koanf.Provider
	zk       *ZookeeperProvider
	log      *slog.Logger

	mu       sync.Mutex
	onChange func(*Config) error

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLoader creates a loader for the given source.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = ConfigTypeFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case ConfigTypeConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case ConfigTypeEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case ConfigTypeZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Loader{
		options:  opts,
		parser:   yaml.Parser(),
		log:      log.With("component", "config"),
		onChange: opts.OnChange,
		stop:     make(chan struct{}),
	}, nil
}

// Load reads, expands, validates and returns the configuration. When
// the loader was created with Watch, it also starts the watch
// goroutine; use Stop to end it.
func (l *Loader) Load() (*Config, error) {
	if l.provider == nil {
		provider, err := l.buildProvider()
		if err != nil {
			return nil, err
		}
		l.provider = provider
	}

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		if l.options.Type == ConfigTypeFile {
			go l.watchFile()
		} else {
			go l.watchRemote()
		}
	}

	return cfg, nil
}

// SetOnChange replaces the reload callback.
func (l *Loader) SetOnChange(fn func(*Config) error) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Stop ends watching and releases remote connections. It is safe to
// call more than once.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.zk != nil {
			l.zk.Close()
		}
	})
}

func (l *Loader) buildProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case ConfigTypeFile:
		return file.Provider(l.options.Path), nil

	case ConfigTypeConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		inner := consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		})
		return &kvDocument{inner: inner, key: l.options.Path}, nil

	case ConfigTypeEtcd:
		inner := etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: etcdDialTimeout,
			Key:         l.options.Path,
		})
		return &kvDocument{inner: inner, key: l.options.Path}, nil

	case ConfigTypeZookeeper:
		zkProvider, err := NewZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		l.zk = zkProvider
		return zkProvider, nil

	default:
		return nil, fmt.Errorf("unsupported config type: %s", l.options.Type)
	}
}

// loadOnce runs the full pipeline: read, expand env references,
// unmarshal, apply env overrides, default and validate.
func (l *Loader) loadOnce() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(l.provider, l.parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	expanded, err := expandEnv(k)
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	return unmarshalAndProcess(expanded)
}

// expandEnv expands environment references in the raw tree and returns
// a fresh koanf holding the result, so coerced values replace the
// originals cleanly.
func expandEnv(k *koanf.Koanf) (*koanf.Koanf, error) {
	expanded, ok := ExpandEnvVarsInData(k.Raw()).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type after env var expansion")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to reload expanded values: %w", err)
	}
	return fresh, nil
}

func unmarshalAndProcess(k *koanf.Koanf) (*Config, error) {
	if err := checkUnknownKeys(k.Raw()); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// WATCHING
// ============================================================================

// watchFile reloads on fsnotify events for the config file. The watch
// is on the parent directory so editors that replace the file on save
// keep triggering events.
func (l *Loader) watchFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Warn("config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	target := filepath.Clean(l.options.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		l.log.Warn("config watch unavailable", "path", target, "error", err)
		return
	}
	l.log.Debug("watching config file", "path", target)

	var debounce <-chan time.Time
	for {
		select {
		case <-l.stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("config watch error", "error", err)

		case <-debounce:
			debounce = nil
			l.reload()
		}
	}
}

// Watcher is implemented by providers that can signal source changes.
type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

// watchRemote subscribes to the store's native watch. The provider
// signals changes; the loader re-reads through it.
func (l *Loader) watchRemote() {
	watcher, ok := l.provider.(Watcher)
	if !ok {
		l.log.Warn("config source does not support watching", "type", string(l.options.Type))
		return
	}
	l.log.Debug("watching config source", "type", string(l.options.Type), "path", l.options.Path)

	err := watcher.Watch(func(_ interface{}, err error) {
		select {
		case <-l.stop:
			return
		default:
		}
		if err != nil {
			l.log.Warn("config watch error", "type", string(l.options.Type), "error", err)
			return
		}
		l.reload()
	})
	if err != nil {
		l.log.Warn("config watch stopped", "type", string(l.options.Type), "error", err)
	}
}

// reload re-runs the load pipeline and hands the result to the change
// callback. A failed reload keeps the previous configuration.
func (l *Loader) reload() {
	cfg, err := l.loadOnce()
	if err != nil {
		l.log.Warn("config reload failed, keeping previous configuration", "error", err)
		return
	}

	l.mu.Lock()
	onChange := l.onChange
	l.mu.Unlock()

	if onChange == nil {
		l.log.Info("configuration changed but no reload handler is set")
		return
	}
	if err := onChange(cfg); err != nil {
		l.log.Warn("config reload handler failed", "error", err)
		return
	}
	l.log.Info("configuration reloaded", "source", string(l.options.Type), "path", l.options.Path)
}

// ============================================================================
// CONVENIENCE
// ============================================================================

// LoadConfig loads a configuration once. Watch options are ignored.
func LoadConfig(opts LoaderOptions) (*Config, error) {
	opts.Watch = false
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}
	defer loader.Stop()
	return loader.Load()
}

// LoadConfigWithLoader loads a configuration and returns the loader so
// the caller can stop watching later.
func LoadConfigWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		loader.Stop()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// ============================================================================
// STRICT STRUCTURE CHECK
// ============================================================================

// checkUnknownKeys rejects keys that do not map to any configuration
// field, so typos fail loading instead of being silently dropped.
func checkUnknownKeys(raw map[string]interface{}) error {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &Config{},
		TagName:          "yaml",
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("config structure: %w", err)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return fmt.Errorf("unknown config keys: %s", strings.Join(md.Unused, ", "))
	}
	return nil
}

// ============================================================================
// REMOTE DOCUMENT ADAPTER
// ============================================================================

// kvDocument adapts a key-value provider that returns key -> value
// maps (consul, etcd) into one that serves the value under a single
// key as a raw document, so the YAML parser applies to remote sources
// the same way it does to files.
type kvDocument struct {
	inner koanf.Provider
	key   string
}

func (p *kvDocument) ReadBytes() ([]byte, error) {
	mp, err := p.inner.Read()
	if err != nil {
		return nil, err
	}
	val, ok := mp[p.key]
	if !ok {
		return nil, fmt.Errorf("config key %q not found", p.key)
	}
	s, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("config key %q does not hold a document", p.key)
	}
	return []byte(s), nil
}

func (p *kvDocument) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("kv document provider does not support Read, use a parser")
}

// Watch forwards to the wrapped provider's native watch.
func (p *kvDocument) Watch(cb func(event interface{}, err error)) error {
	watcher, ok := p.inner.(Watcher)
	if !ok {
		return fmt.Errorf("provider does not support watching")
	}
	return watcher.Watch(cb)
}
