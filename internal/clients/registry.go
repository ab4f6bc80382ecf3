// Package clients holds the statically configured OAuth clients. The set
// can come from an inline environment value or a YAML file, and the
// file form can be reloaded while the server runs.
package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce batches the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// fileFormat is the YAML layout of the clients file.
type fileFormat struct {
	Clients []models.OAuthClient `yaml:"clients"`
}

// Registry is a concurrency-safe lookup of configured clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*models.OAuthClient
}

// NewRegistry validates the given clients and returns a registry.
func NewRegistry(list []models.OAuthClient) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(list); err != nil {
		return nil, err
	}

	return r, nil
}

// Get returns the client for id, or nil.
func (r *Registry) Get(id string) *models.OAuthClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.clients[id]
}

// Len returns the number of configured clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Replace swaps the full client set. The old set is kept when the new
// one fails validation.
func (r *Registry) Replace(list []models.OAuthClient) error {
	next := make(map[string]*models.OAuthClient, len(list))

	for i := range list {
		c := list[i]
		if err := validateClient(&c); err != nil {
			return fmt.Errorf("client %d: %w", i+1, err)
		}

		if _, dup := next[c.ClientID]; dup {
			return fmt.Errorf("duplicate client_id %q", c.ClientID)
		}

		next[c.ClientID] = &c
	}

	r.mu.Lock()
	r.clients = next
	r.mu.Unlock()

	return nil
}

func validateClient(c *models.OAuthClient) error {
	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %q: at least one redirect_uri is required", c.ClientID)
	}

	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("client %q: invalid redirect_uri %q", c.ClientID, raw)
		}

		if u.Fragment != "" {
			return fmt.Errorf("client %q: redirect_uri must not contain a fragment", c.ClientID)
		}
	}

	return nil
}

// ParseInline parses the OAUTH_CLIENTS format:
// "id1=https://a/cb|https://b/cb,id2=http://127.0.0.1".
func ParseInline(s string) ([]models.OAuthClient, error) {
	var list []models.OAuthClient

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idx := strings.Index(entry, "=")
		if idx < 0 {
			return nil, fmt.Errorf("invalid client entry (missing '='): %s", entry)
		}

		id := strings.TrimSpace(entry[:idx])

		var uris []string
		for _, u := range strings.Split(entry[idx+1:], "|") {
			if u = strings.TrimSpace(u); u != "" {
				uris = append(uris, u)
			}
		}

		if id == "" || len(uris) == 0 {
			return nil, fmt.Errorf("empty client_id or redirect_uri in entry %d", len(list)+1)
		}

		list = append(list, models.OAuthClient{ClientID: id, RedirectURIs: uris})
	}

	return list, nil
}

// LoadFile reads a YAML clients file.
func LoadFile(path string) ([]models.OAuthClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing clients file: %w", err)
	}

	return f.Clients, nil
}

// Watch reloads the registry from path whenever the file changes. It
// watches the parent directory so atomic renames by editors and config
// management are picked up. Reload failures are logged and the previous
// client set stays active. Watch blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving clients file path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching clients dir: %w", err)
	}

	logger.Info("clients file watcher started", slog.String("path", abs))

	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case <-pending:
			pending = nil
			r.reload(abs, logger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("clients file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) reload(path string, logger *slog.Logger) {
	list, err := LoadFile(path)
	if err != nil {
		logger.Warn("clients file reload failed", slog.String("error", err.Error()))
		return
	}

	if err := r.Replace(list); err != nil {
		logger.Warn("clients file rejected", slog.String("error", err.Error()))
		return
	}

	logger.Info("clients file reloaded", slog.Int("clients", len(list)))
}
