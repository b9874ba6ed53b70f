package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"poll": "500ms", "duration_unit": "1s"},
  "storage": {"driver": "sqlite", "path": "./data/jobsched.db"},
  "api": {"enabled": true, "addr": "127.0.0.1:9090", "rate_per_sec": 5, "burst": 10}
}`

const sampleYAML = `
logging:
  level: info
  console: false
scheduler:
  poll: "*/5 * * * * *"
  todo_channel: todo
  control_channel: ctl
storage:
  driver: memory
api:
  enabled: false
notify:
  telegram:
    enabled: true
    token: "123:abc"
    chat_id: -1001
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "500ms", cfg.Scheduler.Poll)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5.0, cfg.API.RatePerSec)
	assert.Same(t, cfg, m.Get())
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * * *", cfg.Scheduler.Poll)
	assert.Equal(t, "ctl", cfg.Scheduler.ControlChannel)
	assert.Equal(t, int64(-1001), cfg.Notify.Telegram.ChatID)
	assert.Nil(t, m.Get(), "Parse must not commit")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"scheduler": {"poll": "1s", "bogus": 1}}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{} {}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(Default()))

	cases := map[string]func(c *Config){
		"unknown driver":   func(c *Config) { c.Storage.Driver = "redis" },
		"file needs path":  func(c *Config) { c.Storage.Driver = "file" },
		"same channels":    func(c *Config) { c.Scheduler.TodoChannel, c.Scheduler.ControlChannel = "q", "q" },
		"bad unit":         func(c *Config) { c.Scheduler.DurationUnit = "soon" },
		"negative burst":   func(c *Config) { c.API.Burst = -1 },
		"telegram missing": func(c *Config) { c.Notify.Telegram.Enabled = true },
		"bad read timeout": func(c *Config) { c.API.ReadTimeout = "x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			mutate(c)
			assert.Error(t, Validate(c))
		})
	}
	assert.Error(t, Validate(nil))
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := Default()
	newCfg := Default()
	newCfg.Scheduler.Poll = "1m"
	newCfg.Notify.Telegram = TelegramConfig{Enabled: true, Token: "secret-token", ChatID: 7}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"scheduler", "notify"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"notify"}, RestartRequired(oldCfg, newCfg))

	changed, _ = SummarizeConfigChange(oldCfg, Default())
	assert.Empty(t, changed)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Poll == "reject" {
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleJSON, `"500ms"`, `"2s"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "2s", cfg.Scheduler.Poll)
		assert.Equal(t, "2s", m.Get().Scheduler.Poll)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Parse()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "10s", cfg.Scheduler.Poll)
	assert.False(t, cfg.Notify.Telegram.Enabled)
}
