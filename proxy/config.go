package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LocalClientConfig is the proxy's persisted state: which gateway to talk to
// and the session that authenticates the calls. It never holds upstream
// credentials; the session id is a reference into the gateway's registry.
type LocalClientConfig struct {
	RemoteEndpoint string `json:"remote_endpoint"`
	SessionID      string `json:"session_id"`
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "gtasks-mcp", "config.json"), nil
}

// LoadConfig reads the config file. A missing file is not an error; it
// returns an empty config so first use can bootstrap.
func LoadConfig(path string) (*LocalClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LocalClientConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg LocalClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes the config with owner-only permissions. The session id
// is a bearer-equivalent secret for the configured gateway.
func SaveConfig(path string, cfg *LocalClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// watchConfig reloads the config whenever the file changes on disk, so a
// session obtained out of band (another terminal, a manual edit) is picked
// up without restarting the proxy. Blocks until ctx is done.
func watchConfig(ctx context.Context, log *slog.Logger, path string, onChange func(*LocalClientConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and SaveConfig replace the
	// file, and a watch on the old inode would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Warn("proxy.config.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.Info("proxy.config.reload", slog.String("path", path))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("proxy.config.watch.err", slog.String("err", err.Error()))
		}
	}
}
