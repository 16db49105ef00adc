package config

import (
	"embed"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/latticechess/arena-core/pkg/model"
)

//go:embed gametypes.yaml
var defaultGameTypes embed.FS

type gameTypeEntry struct {
	Variant   model.Variant `yaml:"variant"`
	Time      int           `yaml:"time"`
	Increment int           `yaml:"increment"`
}

// GameTypeRegistry maps a game-type key to its variant and time
// control, loaded from the embedded default and optionally overridden
// by a file on disk (ARENA_GAME_TYPES_FILE), the same
// embedded-default-plus-override-directory shape the teacher uses for
// its message catalog.
type GameTypeRegistry struct {
	entries map[model.GameTypeKey]gameTypeEntry
}

func LoadGameTypes(overridePath string) (*GameTypeRegistry, error) {
	raw, err := defaultGameTypes.ReadFile("gametypes.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded game types: %w", err)
	}
	reg := &GameTypeRegistry{entries: map[model.GameTypeKey]gameTypeEntry{}}
	if err := reg.merge(raw); err != nil {
		return nil, err
	}
	if overridePath != "" {
		b, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read game types override: %w", err)
		}
		if err := reg.merge(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *GameTypeRegistry) merge(raw []byte) error {
	var m map[string]gameTypeEntry
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, v := range m {
		r.entries[model.GameTypeKey(k)] = v
	}
	return nil
}

// Lookup returns the variant and time control for a game type key.
func (r *GameTypeRegistry) Lookup(key model.GameTypeKey) (model.Variant, model.TimeControl, bool) {
	e, ok := r.entries[key]
	if !ok {
		return "", model.TimeControl{}, false
	}
	return e.Variant, model.TimeControl{TimeSec: e.Time, IncrementSec: e.Increment}, true
}

func (r *GameTypeRegistry) Keys() []model.GameTypeKey {
	out := make([]model.GameTypeKey, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
