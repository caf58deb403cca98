// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce collapses the burst of events one editor save produces.
const reloadDebounce = 150 * time.Millisecond

// Changes describes what differs between two configurations.
type Changes struct {
	PricingAdded   []string
	PricingChanged []string
	PricingRemoved []string
	QuotaDefaults  bool
	LogLevel       bool

	// RestartRequired lists changed settings that only apply at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.PricingAdded) == 0 && len(c.PricingChanged) == 0 && len(c.PricingRemoved) == 0 &&
		!c.QuotaDefaults && !c.LogLevel && len(c.RestartRequired) == 0
}

// Diff compares two configurations. Pricing, quota defaults and the log
// level are applied live; everything reported in RestartRequired is not.
// This is a PURE function.
func Diff(old, new *Config) Changes {
	var c Changes
	for model, p := range new.Pricing {
		prev, ok := old.Pricing[model]
		switch {
		case !ok:
			c.PricingAdded = append(c.PricingAdded, model)
		case prev != p:
			c.PricingChanged = append(c.PricingChanged, model)
		}
	}
	for model := range old.Pricing {
		if _, ok := new.Pricing[model]; !ok {
			c.PricingRemoved = append(c.PricingRemoved, model)
		}
	}
	slices.Sort(c.PricingAdded)
	slices.Sort(c.PricingChanged)
	slices.Sort(c.PricingRemoved)

	c.QuotaDefaults = old.Quota != new.Quota
	c.LogLevel = old.Logging.Level != new.Logging.Level

	startup := []struct {
		name    string
		changed bool
	}{
		{"server", old.Server != new.Server},
		{"database", old.Database != new.Database},
		{"buffer", old.Buffer != new.Buffer},
		{"settlement", old.Settlement != new.Settlement},
		{"redis", old.Redis != new.Redis},
		{"latency", old.Latency != new.Latency},
		{"metrics", old.Metrics != new.Metrics},
		{"logging.format", old.Logging.Format != new.Logging.Format || old.Logging.File != new.Logging.File},
	}
	for _, s := range startup {
		if s.changed {
			c.RestartRequired = append(c.RestartRequired, s.name)
		}
	}
	return c
}

// Holder provides thread-safe access to the live configuration and reloads
// it from disk on file change or SIGHUP.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	onChange []func(*Config)

	reloadMu sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHolder creates a holder and loads the initial configuration.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// OnChange registers a listener called after every successful reload that
// changed something.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload reads the file again. An invalid file is rejected and the current
// configuration stays in effect.
func (h *Holder) Reload() (Changes, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload rejected, keeping current config")
		return Changes{}, fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	listeners := slices.Clone(h.onChange)
	h.mu.Unlock()

	changes := Diff(prev, next)
	if changes.Empty() {
		h.logger.Debug().Msg("config reloaded, nothing changed")
		return changes, nil
	}
	h.logChanges(changes)

	for _, fn := range listeners {
		fn(next)
	}
	return changes, nil
}

func (h *Holder) logChanges(c Changes) {
	ev := h.logger.Info()
	if len(c.PricingAdded) > 0 {
		ev = ev.Strs("pricing_added", c.PricingAdded)
	}
	if len(c.PricingChanged) > 0 {
		ev = ev.Strs("pricing_changed", c.PricingChanged)
	}
	if len(c.PricingRemoved) > 0 {
		ev = ev.Strs("pricing_removed", c.PricingRemoved)
	}
	ev.Bool("quota_defaults", c.QuotaDefaults).
		Bool("log_level", c.LogLevel).
		Msg("configuration reloaded")

	if len(c.RestartRequired) > 0 {
		h.logger.Warn().Strs("sections", c.RestartRequired).Msg("changes take effect after restart")
	}
}

// Watch reloads on writes to the config file and on SIGHUP until Stop.
// The directory is watched rather than the file so editors that save by
// rename are seen.
func (h *Holder) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	h.wg.Add(1)
	go h.watchLoop(sigCh)

	h.logger.Info().Str("path", h.path).Msg("watching config file and SIGHUP")
	return nil
}

func (h *Holder) watchLoop(sigCh chan os.Signal) {
	defer h.wg.Done()
	defer signal.Stop(sigCh)

	name := filepath.Base(h.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	reload := func(source string) {
		if _, err := h.Reload(); err != nil {
			h.logger.Error().Err(err).Str("source", source).Msg("config reload failed")
		}
	}

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			reload("file")

		case <-sigCh:
			reload("sighup")

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")

		case <-h.stopCh:
			return
		}
	}
}

// Stop ends watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
		h.wg.Wait()
	})
}
