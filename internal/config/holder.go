package config

import "sync"

// Holder keeps the active configuration and supports reloading it from
// disk, typically on SIGHUP. A failed reload preserves the old config.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Get returns the current configuration. The returned pointer must be
// treated as read-only.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-runs the full load pipeline against the original path. On
// validation failure the previous configuration stays active.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}
