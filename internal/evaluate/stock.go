package evaluate

import (
	"fmt"

	"pricewatch/internal/model"
)

// DetectStock compares the latest reading with the one before it and emits
// restock and low stock candidates. Without a prior reading there is no
// transition to report.
func DetectStock(item model.TrackedItem, latest model.Observation, prior *model.Observation) []Candidate {
	if prior == nil {
		return nil
	}

	name := displayName(item)
	threshold := item.EffectiveLowStockThreshold()
	var out []Candidate

	if !prior.InStock && latest.InStock && item.RestockNotifyEnabled {
		out = append(out, newCandidate(item, latest, model.EventRestock,
			fmt.Sprintf("%s is back in stock at %s", name, yen(latest.Price))))
	}

	if item.Priority == model.PriorityHigh && isLow(latest, threshold) && !isLow(*prior, threshold) {
		out = append(out, newCandidate(item, latest, model.EventLowStock,
			fmt.Sprintf("%s is running low: %d left", name, *latest.StockCount)))
	}
	return out
}

// isLow is false for unknown counts; an unknown quantity is never zero.
func isLow(obs model.Observation, threshold int) bool {
	if !obs.InStock || obs.StockCount == nil {
		return false
	}
	count := *obs.StockCount
	return count > 0 && count <= threshold
}
