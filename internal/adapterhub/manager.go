package adapterhub

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
)

// Config is one adapter's externally configured definition, read from the
// manager's adapter-configs file (spec §4.14 "hot-reload of adapter
// configs").
type Config struct {
	ID       string                 `yaml:"id"`
	Type     string                 `yaml:"type"` // "telegram", "webhook", "websocket"
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// Factory builds a concrete Adapter from its Config. The manager never
// hard-codes adapter types; callers register factories per type.
type Factory func(cfg Config) (Adapter, error)

// Manager owns every adapter's lifecycle, hot-reloads their configs, and
// persists their status. Grounded on client.BrokerClient's Connect/
// Disconnect idempotency convention (internal/client/broker.go), widened
// from one connection to many adapter lifecycles.
type Manager struct {
	mu        sync.RWMutex
	configDir string
	configs   map[string]Config
	adapters  map[string]Adapter
	factories map[string]Factory

	publish PublishFunc
	status  *StatusStore
	log     *logging.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager constructs a Manager. configPath is a YAML file listing every
// adapter's Config; it is hot-reload watched once Start is called.
func NewManager(configPath string, publish PublishFunc, status *StatusStore, log *logging.Logger) (*Manager, error) {
	m := &Manager{
		configDir: configPath,
		configs:   make(map[string]Config),
		adapters:  make(map[string]Adapter),
		factories: make(map[string]Factory),
		publish:   publish,
		status:    status,
		log:       log,
		done:      make(chan struct{}),
	}
	return m, nil
}

// RegisterFactory makes adapterType buildable by LoadConfigs/reload.
func (m *Manager) RegisterFactory(adapterType string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[adapterType] = factory
}

// LoadConfigs reads the configs file and starts every enabled adapter not
// already running. Safe to call repeatedly (used by both the initial load
// and the hot-reload watcher).
func (m *Manager) LoadConfigs() error {
	data, err := readFileIfExists(m.configDir)
	if err != nil {
		return fmt.Errorf("adapterhub: failed to read adapter configs: %w", err)
	}
	if data == nil {
		return nil
	}

	var configs []Config
	if err := yaml.Unmarshal(data, &configs); err != nil {
		m.log.Warn("adapterhub: malformed adapter configs, keeping current set: %v", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		seen[cfg.ID] = true
		prev, existed := m.configs[cfg.ID]
		m.configs[cfg.ID] = cfg

		if !cfg.Enabled {
			m.stopLocked(cfg.ID)
			continue
		}
		if existed && reflect.DeepEqual(prev, cfg) && m.adapters[cfg.ID] != nil {
			continue // unchanged and already running
		}
		m.stopLocked(cfg.ID)
		if err := m.startLocked(cfg); err != nil {
			m.log.Error("adapterhub: failed to start adapter %s: %v", cfg.ID, err)
		}
	}

	for id := range m.configs {
		if !seen[id] {
			m.stopLocked(id)
			delete(m.configs, id)
		}
	}
	return nil
}

func (m *Manager) startLocked(cfg Config) error {
	factory, ok := m.factories[cfg.Type]
	if !ok {
		return fmt.Errorf("adapterhub: no factory registered for adapter type %q", cfg.Type)
	}
	adapter, err := factory(cfg)
	if err != nil {
		return err
	}
	if err := adapter.Start(m.publish); err != nil {
		return fmt.Errorf("adapterhub: adapter %s failed to start: %w", cfg.ID, err)
	}
	m.adapters[cfg.ID] = adapter
	if m.status != nil {
		_ = m.status.Save(cfg.ID, adapter.GetStatus())
	}
	return nil
}

func (m *Manager) stopLocked(id string) {
	adapter, ok := m.adapters[id]
	if !ok {
		return
	}
	if err := adapter.Stop(); err != nil {
		m.log.Warn("adapterhub: adapter %s failed to stop cleanly: %v", id, err)
	}
	if m.status != nil {
		_ = m.status.Save(id, adapter.GetStatus())
	}
	delete(m.adapters, id)
}

// Start loads the initial config set and begins watching configPath for
// changes. Idempotent.
func (m *Manager) Start() error {
	if err := m.LoadConfigs(); err != nil {
		return err
	}
	if m.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("adapterhub: failed to create config watcher: %w", err)
	}
	if err := watcher.Add(dirOf(m.configDir)); err != nil {
		watcher.Close()
		return fmt.Errorf("adapterhub: failed to watch %s: %w", m.configDir, err)
	}
	m.watcher = watcher
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.configDir {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := m.LoadConfigs(); err != nil {
					m.log.Warn("adapterhub: hot-reload failed: %v", err)
				}
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("adapterhub: config watcher error: %v", err)
		case <-m.done:
			return
		}
	}
}

// Stop stops every running adapter and the config watcher. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
	for id := range m.adapters {
		m.stopLocked(id)
	}
	return nil
}

// DeliverIfMatching delivers env to every running adapter whose subject
// prefix matches subject (spec §4.14 "on Relay publish to a matching
// subject, the manager calls deliver"), applying each adapter's echo
// guard by skipping delivery when env.From falls under one of the
// adapter's own subject prefixes.
func (m *Manager) DeliverIfMatching(subject string, env *envelope.Envelope) []DeliveryResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []DeliveryResult
	for _, adapter := range m.adapters {
		if !hasMatchingPrefix(adapter.SubjectPrefixes(), subject) {
			continue
		}
		if hasMatchingPrefix(adapter.SubjectPrefixes(), env.From) {
			continue // echo guard: this adapter is the message's own origin
		}
		start := time.Now()
		result, err := adapter.Deliver(subject, env)
		result.DurationMs = time.Since(start).Milliseconds()
		if err != nil && result.Error == "" {
			result.Error = err.Error()
		}
		results = append(results, result)
		if m.status != nil {
			_ = m.status.Save(adapter.ID(), adapter.GetStatus())
		}
	}
	return results
}

// Adapter returns the running adapter registered under id, for callers
// that need the concrete type (e.g. mounting a webhook/websocket
// adapter's inbound HTTP routes).
func (m *Manager) Adapter(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[id]
	return a, ok
}

// ListStatuses snapshots every running adapter's current status.
func (m *Manager) ListStatuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.adapters))
	for id, adapter := range m.adapters {
		out[id] = adapter.GetStatus()
	}
	return out
}

func hasMatchingPrefix(prefixes []string, subject string) bool {
	for _, p := range prefixes {
		if len(subject) >= len(p) && subject[:len(p)] == p {
			return true
		}
	}
	return false
}
