package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

func testApp(mutate func(*config.Config)) *App {
	cfg := &config.Config{}
	cfg.Lookup.Backend = "rakuten"
	cfg.Alerting.Channel = "log"
	cfg.Dispatch.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	return NewApp(cfg, zerolog.Nop())
}

func observationsAt(base time.Time, prices ...int64) []model.Observation {
	out := make([]model.Observation, len(prices))
	for i, p := range prices {
		out[i] = model.Observation{
			ItemID:     1,
			Price:      decimal.NewFromInt(p),
			InStock:    true,
			CapturedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestDownsampleKeepsEnds(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	obs := observationsAt(base, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100)

	got := downsampleObservations(obs, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromInt(10)) || !got[3].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("first and last points must be kept: %v %v", got[0].Price, got[3].Price)
	}

	if same := downsampleObservations(obs, 50); len(same) != len(obs) {
		t.Fatalf("short series must be returned unchanged")
	}
}

func TestObservationsBeforeIsExclusive(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	obs := observationsAt(base, 1, 2, 3)

	got := observationsBefore(obs, base.Add(2*time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected 2 observations before the cutoff, got %d", len(got))
	}
	if len(obs) != 3 {
		t.Fatalf("input must not be modified")
	}
}

func TestWriteObservationsCSV(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	obs := observationsAt(base, 1980, 1500)
	count := 3
	obs[1].StockCount = &count

	path := filepath.Join(t.TempDir(), "nested", "history.csv")
	if err := writeObservationsCSV(path, obs); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[1][0] != "2024-05-01T00:00:00Z" || records[1][1] != "1980" || records[1][3] != "" {
		t.Fatalf("unexpected first row %v", records[1])
	}
	if records[2][3] != "3" {
		t.Fatalf("stock count should be written, got %v", records[2])
	}
}

func TestWriteEventTable(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	sentAt := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	events := []model.NotificationEvent{
		{ID: 2, UserID: 1, ItemID: 10, Kind: model.EventThresholdHit, Price: decimal.NewFromInt(900), Message: "blender\nnow 900", OccurredAt: sentAt.Add(-time.Hour), SentAt: &sentAt},
		{ID: 1, UserID: 1, ItemID: 11, Kind: model.EventRestock, Price: decimal.NewFromInt(1200), Message: "back", OccurredAt: sentAt.Add(-2 * time.Hour)},
	}

	var buf bytes.Buffer
	if err := writeEventTable(&buf, events, tokyo); err != nil {
		t.Fatalf("write table: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %q", out)
	}
	if !strings.Contains(lines[1], "2024-05-02 09:00") || !strings.Contains(lines[1], "blender now 900") {
		t.Fatalf("unexpected first row %q", lines[1])
	}

	buf.Reset()
	if err := writeEventTable(&buf, nil, tokyo); err != nil {
		t.Fatalf("write empty table: %v", err)
	}
	if !strings.Contains(buf.String(), "no notifications found") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}
}

func TestApplyPreferenceKeepsUnsetFields(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	dest := "user@example.com"
	hour := 21
	pref, err := applyPreference(ctx, store, PreferenceUpdate{UserID: 5, Destination: &dest, Hour: &hour})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pref.Destination != dest || pref.Hour != 21 || pref.Minute != 0 || pref.Mode != model.DeliveryDailyDigest || !pref.Enabled {
		t.Fatalf("unexpected preference %+v", pref)
	}

	bad := 60
	if _, err := applyPreference(ctx, store, PreferenceUpdate{UserID: 5, Minute: &bad}); err == nil {
		t.Fatalf("minute 60 must be rejected")
	}
}

func TestSenderFollowsChannel(t *testing.T) {
	cases := map[string]func(alerting.Sender) bool{
		"log":      func(s alerting.Sender) bool { _, ok := s.(*alerting.LogSender); return ok },
		"smtp":     func(s alerting.Sender) bool { _, ok := s.(*alerting.SMTPSender); return ok },
		"telegram": func(s alerting.Sender) bool { _, ok := s.(*alerting.TelegramSender); return ok },
		"":         func(s alerting.Sender) bool { _, ok := s.(*alerting.LogSender); return ok },
	}
	for channel, matches := range cases {
		a := testApp(func(c *config.Config) { c.Alerting.Channel = channel })
		if got := a.newSender(); !matches(got) {
			t.Fatalf("channel %q: unexpected sender %T", channel, got)
		}
	}
}

func TestLookupFollowsBackend(t *testing.T) {
	if _, ok := testApp(nil).newLookup().(*lookup.Rakuten); !ok {
		t.Fatalf("rakuten backend expected by default")
	}
	page := testApp(func(c *config.Config) { c.Lookup.Backend = "page" })
	if _, ok := page.newLookup().(*lookup.PageClient); !ok {
		t.Fatalf("page backend expected")
	}
}

func TestCommandsNeedDatabase(t *testing.T) {
	a := testApp(nil)
	if _, err := a.Poll(context.Background()); err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
	if err := a.Migrate(context.Background()); err == nil {
		t.Fatalf("migrate without dsn must fail")
	}
}
