// Package variables resolves page variable references against the localized
// properties of the selected bundle.
package variables

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/selection"
)

// Source is the part of the selector the interpolator reads from.
type Source interface {
	Snapshot() *selection.Snapshot
	Lookup(placementID string, idx int) (*selection.Snapshot, error)
}

// ShownFunc records that a paywall's prices were displayed.
type ShownFunc func(ctx context.Context, paywallID, placementID string)

// Page is a host document whose variables can be replaced.
type Page interface {
	VariableNames() []string
	SetVariable(name, value string)
}

type Interpolator struct {
	source Source
	lang   *config.Localization
	track  ShownFunc
	logger *slog.Logger

	shown sync.Once
}

func New(source Source, lang *config.Localization, track ShownFunc, logger *slog.Logger) *Interpolator {
	return &Interpolator{
		source: source,
		lang:   lang,
		track:  track,
		logger: logger.With("component", "variables"),
	}
}

// Resolve looks up keyPath, which is either a dotted path into the current
// bundle or "placementID,bundleIndex,path" for an explicit bundle. An empty
// or negative positional part falls back to the current selection.
func (i *Interpolator) Resolve(ctx context.Context, keyPath string) (string, bool) {
	snap, path, ok := i.target(keyPath)
	if !ok || snap == nil || snap.Bundle == nil {
		return "", false
	}
	value, ok := snap.Bundle.Properties.Lookup(i.lang.Language(), path)
	if !ok {
		return "", false
	}
	if value != "" && strings.HasSuffix(keyPath, "price") {
		i.markShown(ctx)
	}
	return value, true
}

func (i *Interpolator) target(keyPath string) (*selection.Snapshot, string, bool) {
	parts := strings.Split(keyPath, ",")
	switch len(parts) {
	case 1:
		return i.source.Snapshot(), keyPath, true
	case 3:
	default:
		i.logger.Debug("invalid variable key path", "key_path", keyPath)
		return nil, "", false
	}

	current := i.source.Snapshot()
	placementID := strings.TrimSpace(parts[0])
	idx, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || idx < 0 {
		idx = -1
	}
	path := strings.TrimSpace(parts[2])
	if current != nil {
		if placementID == "" {
			placementID = current.Placement.Identifier
		}
		if idx < 0 {
			idx = current.BundleIndex
		}
	}
	if placementID == "" || idx < 0 {
		return nil, "", false
	}
	snap, err := i.source.Lookup(placementID, idx)
	if err != nil {
		return nil, "", false
	}
	return snap, path, true
}

func (i *Interpolator) markShown(ctx context.Context) {
	i.shown.Do(func() {
		snap := i.source.Snapshot()
		if snap == nil || i.track == nil {
			return
		}
		i.track(ctx, snap.Paywall.ID, snap.Placement.ID)
	})
}

// Operate replaces every variable on page that resolves to a non-empty value.
// It returns the number of replaced variables.
func (i *Interpolator) Operate(ctx context.Context, page Page) int {
	replaced := 0
	for _, name := range page.VariableNames() {
		value, ok := i.Resolve(ctx, name)
		i.logger.Debug("replace variable", "name", name, "value", value)
		if !ok || value == "" {
			continue
		}
		page.SetVariable(name, value)
		replaced++
	}
	return replaced
}

// MapPage is a Page backed by a map, used by the CLI and tests.
type MapPage struct {
	Names  []string
	Values map[string]string
}

func (p *MapPage) VariableNames() []string { return p.Names }

func (p *MapPage) SetVariable(name, value string) {
	if p.Values == nil {
		p.Values = make(map[string]string)
	}
	p.Values[name] = value
}

var _ Page = (*MapPage)(nil)
