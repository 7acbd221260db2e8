// Package nixbuild wraps the external image builder behind the opaque
// build(profile) → image_path contract. The build graph itself is not our
// concern; we only invoke the builder and trust its output path.
package nixbuild

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
)

// Builder produces a base disk image for a profile attribute.
type Builder interface {
	Build(ctx context.Context, profileAttr string) (string, error)
}

// CommandBuilder shells out to the configured builder binary. The builder
// prints the resulting image path as its last stdout line.
type CommandBuilder struct {
	Bin     string
	Timeout time.Duration
	run     func(ctx context.Context, argv []string, opts procrun.Options) (*procrun.Result, error)
}

// New returns a CommandBuilder for bin.
func New(bin string) *CommandBuilder {
	return &CommandBuilder{Bin: bin, Timeout: 30 * time.Minute, run: procrun.Run}
}

// Build invokes the builder for profileAttr and returns the image path.
func (b *CommandBuilder) Build(ctx context.Context, profileAttr string) (string, error) {
	res, err := b.run(ctx, []string{b.Bin, profileAttr}, procrun.Options{Timeout: b.Timeout})
	if err != nil {
		return "", raverr.Wrap(raverr.KindResource, err, "build image for %q", profileAttr)
	}
	lines := bytes.Split(bytes.TrimSpace(res.Stdout), []byte("\n"))
	path := string(bytes.TrimSpace(lines[len(lines)-1]))
	if path == "" {
		return "", raverr.New(raverr.KindResource, "builder printed no image path for %q", profileAttr)
	}
	if _, err := os.Stat(path); err != nil {
		return "", raverr.Wrap(raverr.KindResource, err, "builder output %s", path)
	}
	return path, nil
}
