package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"pricewatch/internal/model"
)

// Show prints the newest journal entries.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := a.newJournal(store).Recent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeEventTable(out, events, a.Config.Location())
}

func writeEventTable(out io.Writer, events []model.NotificationEvent, loc *time.Location) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(out, "no notifications found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOccurred\tUser\tItem\tKind\tPrice\tSent\tMessage")

	for _, ev := range events {
		sent := "-"
		if ev.SentAt != nil {
			sent = ev.SentAt.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			ev.ID,
			ev.OccurredAt.In(loc).Format("2006-01-02 15:04"),
			ev.UserID,
			ev.ItemID,
			ev.Kind,
			ev.Price.StringFixed(0),
			sent,
			sanitizeInline(ev.Message),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
