package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/cea-hpc/phobosd/internal/logger"
)

// Thresholds is the hot-reloadable slice of one family's config: the
// three sync triggers. Everything else requires a daemon restart.
type Thresholds struct {
	Time  time.Duration
	NbReq int
	Bytes int64
}

// Watcher re-reads the config file on change and hands the per-family
// sync thresholds to the callback. Only the thresholds are applied
// live; any other edit is logged and ignored until restart.
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	onReload func(map[string]Thresholds)
}

// Watch starts watching configPath. The callback runs on fsnotify's
// goroutine; the daemon forwards it onto the scheduler goroutine as a
// synthetic configure request.
func Watch(configPath string, onReload func(map[string]Thresholds)) (*Watcher, error) {
	v := viper.New()
	setupViper(v, configPath)
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	w := &Watcher{v: v, onReload: onReload}
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e)
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload(e fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var cfg Config
	if err := w.v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		logger.Warn("config reload ignored, file does not parse", "path", e.Name, "error", err)
		return
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		logger.Warn("config reload ignored, file does not validate", "path", e.Name, "error", err)
		return
	}

	out := make(map[string]Thresholds, len(cfg.LRS.Families))
	for name, fam := range cfg.LRS.Families {
		out[name] = Thresholds{
			Time:  fam.SyncTimeThreshold,
			NbReq: fam.SyncNbReqThreshold,
			Bytes: fam.SyncWsizeThreshold,
		}
	}
	logger.Info("config reloaded, applying sync thresholds", "path", e.Name, "families", len(out))
	w.onReload(out)
}
