package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/artpar/tokenledger/config"
	"github.com/rs/zerolog"
)

const sonnetModel = "claude-sonnet-4-20250514"

const baseConfig = `
database:
  dsn: ":memory:"
pricing:
  claude-sonnet-4-20250514:
    input: "3"
    output: "15"
    cache_read: "0.30"
    cache_write: "3.75"
quota:
  default_cost_limit_usd: "10"
`

func newHolder(t *testing.T) (*config.Holder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenledger.yaml")
	if err := os.WriteFile(path, []byte(baseConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	t.Cleanup(h.Stop)
	return h, path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
}

func TestHolder_ReloadAppliesPricing(t *testing.T) {
	h, path := newHolder(t)

	var got []*config.Config
	h.OnChange(func(c *config.Config) { got = append(got, c) })

	rewrite(t, path, `
database:
  dsn: ":memory:"
pricing:
  claude-sonnet-4-20250514:
    input: "3.50"
    output: "15"
  claude-haiku:
    input: "0.80"
    output: "4"
quota:
  default_cost_limit_usd: "10"
`)

	changes, err := h.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(changes.PricingAdded, []string{"claude-haiku"}) {
		t.Errorf("PricingAdded = %v, want [claude-haiku]", changes.PricingAdded)
	}
	if !slices.Equal(changes.PricingChanged, []string{sonnetModel}) {
		t.Errorf("PricingChanged = %v, want [%s]", changes.PricingChanged, sonnetModel)
	}
	if len(changes.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", changes.RestartRequired)
	}

	if h.Get().Pricing[sonnetModel].Input != "3.50" {
		t.Errorf("sonnet input = %s, want 3.50", h.Get().Pricing[sonnetModel].Input)
	}
	if len(got) != 1 || got[0] != h.Get() {
		t.Errorf("OnChange calls = %d, want 1 with the new config", len(got))
	}
}

func TestHolder_ReloadUnchangedSkipsListeners(t *testing.T) {
	h, _ := newHolder(t)

	calls := 0
	h.OnChange(func(*config.Config) { calls++ })

	changes, err := h.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !changes.Empty() || calls != 0 {
		t.Errorf("changes = %+v, calls = %d; want empty and 0", changes, calls)
	}
}

func TestHolder_ReloadRejectsInvalid(t *testing.T) {
	h, path := newHolder(t)

	rewrite(t, path, `
pricing:
  claude-sonnet-4-20250514:
    input: "three dollars"
`)
	if _, err := h.Reload(); err == nil {
		t.Fatal("Reload should fail for an unparseable price")
	}
	if h.Get().Pricing[sonnetModel].Input != "3" {
		t.Errorf("current config replaced by invalid file: %v", h.Get().Pricing)
	}
}

func TestHolder_RestartRequired(t *testing.T) {
	h, path := newHolder(t)

	rewrite(t, path, baseConfig+`
server:
  port: 9090
settlement:
  cron: "0 */15 * * * *"
`)
	changes, err := h.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	want := []string{"server", "settlement"}
	if !slices.Equal(changes.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", changes.RestartRequired, want)
	}
}

func TestHolder_WatchReloadsOnWrite(t *testing.T) {
	h, path := newHolder(t)

	var mu sync.Mutex
	var level string
	h.OnChange(func(c *config.Config) {
		mu.Lock()
		level = c.Logging.Level
		mu.Unlock()
	})

	if err := h.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	rewrite(t, path, baseConfig+`
logging:
  level: debug
`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := level
		mu.Unlock()
		if got == "debug" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("watcher did not reload; level = %q, want debug", h.Get().Logging.Level)
}

func TestHolder_StopTwice(t *testing.T) {
	h, _ := newHolder(t)
	if err := h.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	h.Stop()
	h.Stop()
}

func TestHolder_ConcurrentReloads(t *testing.T) {
	h, _ := newHolder(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if h.Get() == nil {
					t.Error("Get returned nil")
				}
			}
		}()
		go func() {
			defer wg.Done()
			h.Reload()
		}()
	}
	wg.Wait()
}

func TestDiff(t *testing.T) {
	old := &config.Config{
		Pricing: map[string]config.PriceConfig{"a": {Input: "1"}, "b": {Input: "2"}},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
	next := &config.Config{
		Pricing: map[string]config.PriceConfig{"b": {Input: "2"}, "c": {Input: "3"}},
		Logging: config.LoggingConfig{Level: "debug", Format: "console"},
		Quota:   config.QuotaConfig{DefaultEnabled: true},
	}

	c := config.Diff(old, next)
	if !slices.Equal(c.PricingAdded, []string{"c"}) || !slices.Equal(c.PricingRemoved, []string{"a"}) {
		t.Errorf("pricing diff = +%v -%v, want +[c] -[a]", c.PricingAdded, c.PricingRemoved)
	}
	if len(c.PricingChanged) != 0 {
		t.Errorf("PricingChanged = %v, want none", c.PricingChanged)
	}
	if !c.QuotaDefaults || !c.LogLevel {
		t.Errorf("QuotaDefaults = %v, LogLevel = %v; want both true", c.QuotaDefaults, c.LogLevel)
	}
	if !slices.Equal(c.RestartRequired, []string{"logging.format"}) {
		t.Errorf("RestartRequired = %v, want [logging.format]", c.RestartRequired)
	}
}
