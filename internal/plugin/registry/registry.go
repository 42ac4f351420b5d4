// Package registry discovers installable plugins: built-in adapters
// compiled into the binary, plus externally supplied HTTP providers found
// in a well-known directory. A broken external plugin is logged and
// skipped, never aborting discovery of the others.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/provider/httpjson"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Registry maps plugin ids to factories. Read-mostly; manifests are
// cached for the process lifetime.
type Registry struct {
	log *logger.Logger

	mu        sync.RWMutex
	factories map[string]plugin.Factory
	manifests map[string]plugin.Manifest
	order     []string
}

// New constructs an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		log:       log.Named("registry"),
		factories: map[string]plugin.Factory{},
		manifests: map[string]plugin.Manifest{},
	}
}

// Register adds a built-in plugin factory. The manifest is read once from
// a throwaway instance; Manifest is contractually pure.
func (r *Registry) Register(f plugin.Factory) error {
	m := f().Manifest()
	if m.ID == "" {
		return fmt.Errorf("registry: plugin manifest has empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[m.ID]; exists {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf("registry: plugin %q already registered", m.ID))
	}
	r.factories[m.ID] = f
	r.manifests[m.ID] = m
	r.order = append(r.order, m.ID)
	return nil
}

// DiscoverExternal scans dir for external plugin packages, each a
// subdirectory containing a manifest.json understood by the httpjson
// runtime. Individual failures are logged and skipped.
func (r *Registry) DiscoverExternal(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		r.log.Warn("external plugin directory unreadable", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, e.Name(), "manifest.json")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			r.log.Warn("external plugin missing manifest, skipped",
				zap.String("plugin_dir", e.Name()), zap.Error(err))
			continue
		}
		spec, err := httpjson.ParseSpec(raw)
		if err != nil {
			r.log.Warn("external plugin manifest invalid, skipped",
				zap.String("plugin_dir", e.Name()), zap.Error(err))
			continue
		}
		if err := r.Register(httpjson.Factory(spec)); err != nil {
			r.log.Warn("external plugin registration failed, skipped",
				zap.String("plugin_id", spec.ID), zap.Error(err))
			continue
		}
		r.log.Info("external plugin discovered",
			zap.String("plugin_id", spec.ID), zap.String("version", spec.Version))
	}
}

// Discover returns all known manifests, sorted by id.
func (r *Registry) Discover() []plugin.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	out := make([]plugin.Manifest, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.manifests[id])
	}
	return out
}

// Manifest returns the manifest for one plugin id.
func (r *Registry) Manifest(id string) (plugin.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok {
		return plugin.Manifest{}, apperrors.Wrap(apperrors.ErrPluginNotFound, fmt.Sprintf("registry: no plugin %q", id))
	}
	return m, nil
}

// Factory returns the factory for one plugin id.
func (r *Registry) Factory(id string) (plugin.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrPluginNotFound, fmt.Sprintf("registry: no plugin %q", id))
	}
	return f, nil
}
