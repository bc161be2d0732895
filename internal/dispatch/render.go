package dispatch

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/alerting"
	"pricewatch/internal/model"
)

var kindLabels = map[model.EventKind]string{
	model.EventThresholdHit: "Target price reached",
	model.EventPercentOff:   "Discount",
	model.EventNewLowPrice:  "New lowest price",
	model.EventRestock:      "Back in stock",
	model.EventLowStock:     "Low stock",
}

// Render builds one message covering every event. items may miss entries
// for deleted or deactivated listings; those events are rendered from their
// stored message alone.
func Render(prefix string, events []model.NotificationEvent, items map[int64]model.TrackedItem, loc *time.Location) alerting.Message {
	if loc == nil {
		loc = time.UTC
	}

	msg := alerting.Message{
		Subject:  fmt.Sprintf("[%s] %d new notification(s)", prefix, len(events)),
		EventIDs: make([]int64, 0, len(events)),
	}

	var b strings.Builder
	for i, ev := range events {
		msg.EventIDs = append(msg.EventIDs, ev.ID)
		if i > 0 {
			b.WriteString("\n")
		}

		label := kindLabels[ev.Kind]
		if label == "" {
			label = string(ev.Kind)
		}
		b.WriteString(fmt.Sprintf("■ %s (%s)\n", label, ev.OccurredAt.In(loc).Format("2006-01-02 15:04")))
		b.WriteString(ev.Message + "\n")

		item, ok := items[ev.ItemID]
		if !ok || !item.Active {
			continue
		}
		if item.ShopName != "" {
			b.WriteString("Shop: " + item.ShopName + "\n")
		}
		if item.LookupKey != "" {
			b.WriteString(item.LookupKey + "\n")
		}
	}
	msg.Body = b.String()
	return msg
}
