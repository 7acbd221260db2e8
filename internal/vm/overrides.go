package vm

import (
	"context"

	"github.com/raveos/rave/internal/override"
	"github.com/raveos/rave/internal/raverr"
)

// ApplyOverrideLayer streams a built override package to the tenant and
// runs the application protocol, returning the parsed summary.
func (m *Manager) ApplyOverrideLayer(ctx context.Context, name string, pkg *override.Package, applyRestarts, previewOnly bool) (*override.Summary, error) {
	rec, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	if !m.isAlive(rec) {
		return nil, raverr.New(raverr.KindConflict, "tenant %q is not running", name)
	}
	return override.Apply(ctx, m.transport, rec, pkg, applyRestarts, previewOnly)
}
