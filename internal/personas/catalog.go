package personas

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog holds the persona templates loaded from the catalog file. It is
// read-mostly and safe to share across concurrent turns.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
	byName    map[string]string // normalized display name -> key
	path      string
	logger    *zap.Logger
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// NewCatalog loads the catalog from a YAML file.
func NewCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read persona catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse persona catalog: %w", err)
	}

	templates := make(map[string]*Template, len(f.Templates))
	byName := make(map[string]string, len(f.Templates))
	for i := range f.Templates {
		t := f.Templates[i]
		if t.Key == "" {
			return fmt.Errorf("persona catalog: template %d has no key", i)
		}
		if !ValidAutonomyMode(t.AutonomyDefault) {
			return fmt.Errorf("persona catalog: template %q: bad autonomy_default %q", t.Key, t.AutonomyDefault)
		}
		templates[t.Key] = &t
		if t.DisplayName != "" {
			byName[NormalizeName(t.DisplayName)] = t.Key
		}
	}

	c.mu.Lock()
	c.templates = templates
	c.byName = byName
	c.mu.Unlock()

	c.logger.Info("persona catalog loaded",
		zap.String("path", c.path),
		zap.Int("templates", len(templates)))
	return nil
}

// Watch reloads the catalog when the file changes, until ctx is done.
// A reload failure keeps the previous catalog.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return fmt.Errorf("catalog watcher add: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Warn("persona catalog reload failed, keeping previous",
						zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("persona catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Get returns a template by exact key.
func (c *Catalog) Get(key string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[key]
	return t, ok
}

// Resolve finds a template by exact key or by case- and whitespace-
// normalized display name.
func (c *Catalog) Resolve(nameOrKey string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.templates[nameOrKey]; ok {
		return t, true
	}
	if key, ok := c.byName[NormalizeName(nameOrKey)]; ok {
		return c.templates[key], true
	}
	return nil, false
}

// Templates returns all templates sorted by key.
func (c *Catalog) Templates() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Values(c.templates)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ActiveTemplates returns the templates eligible for tenant provisioning.
func (c *Catalog) ActiveTemplates() []*Template {
	return lo.Filter(c.Templates(), func(t *Template, _ int) bool { return t.Active })
}

// NormalizeName folds case and collapses whitespace for display-name
// matching.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
