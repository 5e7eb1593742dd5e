package handler

import (
	"net/http"
	"sort"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/strategy"
)

// StrategyHandler serves the exit strategy catalog.
type StrategyHandler struct{}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler() *StrategyHandler {
	return &StrategyHandler{}
}

// ListStrategies returns every named exit strategy with its definition.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	names := strategy.Names()
	sort.Strings(names)

	out := make([]domain.ExitStrategy, 0, len(names))
	for _, name := range names {
		s, err := strategy.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, s)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"default":    strategy.DefaultName,
		"strategies": out,
	})
}
