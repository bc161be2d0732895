package evaluate

import (
	"testing"

	"pricewatch/internal/model"
)

func stockObs(inStock bool, count *int) model.Observation {
	o := obs(1000)
	o.InStock = inStock
	o.StockCount = count
	return o
}

func intp(v int) *int { return &v }

func TestRestockTransition(t *testing.T) {
	item := model.TrackedItem{ID: 1, RestockNotifyEnabled: true}

	prior := stockObs(false, intp(0))
	got := DetectStock(item, stockObs(true, intp(5)), &prior)
	if len(got) != 1 || got[0].Kind != model.EventRestock {
		t.Fatalf("out -> in should restock: %+v", got)
	}

	prior = stockObs(true, intp(10))
	if got := DetectStock(item, stockObs(true, intp(9)), &prior); len(got) != 0 {
		t.Fatalf("in -> in is not a transition: %+v", got)
	}

	item.RestockNotifyEnabled = false
	prior = stockObs(false, nil)
	if got := DetectStock(item, stockObs(true, nil), &prior); len(got) != 0 {
		t.Fatalf("restock disabled: %+v", got)
	}
}

func TestNoTransitionWithoutPrior(t *testing.T) {
	item := model.TrackedItem{ID: 1, RestockNotifyEnabled: true, Priority: model.PriorityHigh}
	if got := DetectStock(item, stockObs(true, intp(1)), nil); len(got) != 0 {
		t.Fatalf("first reading cannot transition: %+v", got)
	}
}

func TestLowStock(t *testing.T) {
	item := model.TrackedItem{ID: 1, Priority: model.PriorityHigh}

	prior := stockObs(true, intp(10))
	got := DetectStock(item, stockObs(true, intp(3)), &prior)
	if len(got) != 1 || got[0].Kind != model.EventLowStock {
		t.Fatalf("10 -> 3 should be low stock at the default threshold: %+v", got)
	}

	prior = stockObs(true, intp(3))
	if got := DetectStock(item, stockObs(true, intp(2)), &prior); len(got) != 0 {
		t.Fatalf("already low: %+v", got)
	}

	prior = stockObs(true, intp(10))
	if got := DetectStock(item, stockObs(true, nil), &prior); len(got) != 0 {
		t.Fatalf("unknown count never low: %+v", got)
	}
	if got := DetectStock(item, stockObs(true, intp(0)), &prior); len(got) != 0 {
		t.Fatalf("zero count is not low stock: %+v", got)
	}

	item.Priority = model.PriorityNormal
	if got := DetectStock(item, stockObs(true, intp(2)), &prior); len(got) != 0 {
		t.Fatalf("normal priority items do not get low stock events: %+v", got)
	}
}

func TestRestockIntoLowStock(t *testing.T) {
	item := model.TrackedItem{ID: 1, Priority: model.PriorityHigh, RestockNotifyEnabled: true, LowStockThreshold: 5}
	prior := stockObs(false, intp(0))
	got := DetectStock(item, stockObs(true, intp(2)), &prior)
	if len(got) != 2 || got[0].Kind != model.EventRestock || got[1].Kind != model.EventLowStock {
		t.Fatalf("expected restock then low stock: %+v", got)
	}
}
