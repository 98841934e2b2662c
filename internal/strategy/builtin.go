package strategy

import (
	"fmt"
	"sort"

	"autotrader/internal/types"
)

type builtinEntry struct {
	name    string
	factory Factory
}

// BuiltinSource serves the strategies compiled into the binary.
type BuiltinSource struct {
	entries map[string]builtinEntry
}

var _ Source = (*BuiltinSource)(nil)

// NewBuiltinSource returns a source with the standard strategy set.
func NewBuiltinSource() *BuiltinSource {
	return &BuiltinSource{
		entries: map[string]builtinEntry{
			"smacross": {
				name:    "SMA Crossover",
				factory: NewSMACross,
			},
			"meanrevert": {
				name:    "Bollinger Mean Reversion",
				factory: NewMeanRevert,
			},
		},
	}
}

// Register adds or replaces a strategy type. Already-resolved registry
// entries are unaffected.
func (s *BuiltinSource) Register(strategyType, name string, factory Factory) {
	s.entries[strategyType] = builtinEntry{name: name, factory: factory}
}

func (s *BuiltinSource) Load(strategyType string) (Factory, error) {
	entry, ok := s.entries[strategyType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strategyType)
	}
	if entry.factory == nil {
		return nil, fmt.Errorf("%w: %s has no factory", ErrLoad, strategyType)
	}
	return entry.factory, nil
}

func (s *BuiltinSource) List() []types.StrategyInfo {
	out := make([]types.StrategyInfo, 0, len(s.entries))
	for typ, entry := range s.entries {
		out = append(out, types.StrategyInfo{Type: typ, Name: entry.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
