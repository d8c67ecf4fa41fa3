package watch

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/awarelab/awarelab/internal/geoip"
	"github.com/awarelab/awarelab/internal/tracker"
)

func testSummary() tracker.Summary {
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return tracker.Summary{
		VideoID:        "phishing-basics",
		Outcome:        tracker.OutcomeCompleted,
		WatchedSeconds: 150,
		WatchRatio:     0.9,
		AnomalyCount:   1,
		StartedAt:      started,
		EndedAt:        started.Add(3 * time.Minute),
	}
}

func TestAuditLog_Record(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := testSummary()
	mock.ExpectExec(`INSERT INTO watch_sessions`).
		WithArgs(pgxmock.AnyArg(), testUserID, "phishing-basics", "completed", 0.9, 150.0,
			1, 0, "Firefox", "desktop", "NL", s.StartedAt, s.EndedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a := NewAuditLog(mock)
	info := ClientInfo{Browser: "Firefox", Device: "desktop", Country: "NL"}
	if err := a.Record(context.Background(), testUserID, info, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuditLog_HookRecordsInBackground(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO watch_sessions`).
		WillReturnError(errors.New("db down"))

	a := NewAuditLog(mock)
	a.Hook(testUserID, ClientInfo{})(testSummary())
	a.Wait()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

type staticLocator struct{ country string }

func (l staticLocator) Lookup(string) geoip.Location {
	return geoip.Location{Country: l.country}
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		browser string
		device  string
	}{
		{"empty", "", "Other", "unknown"},
		{"desktop firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:124.0) Gecko/20100101 Firefox/124.0", "Firefox", "desktop"},
		{"mobile safari", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1", "Safari", "mobile"},
		{"bot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "", "bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseUserAgent(tt.ua)
			if (tt.browser != "" && got.Browser != tt.browser) || got.Device != tt.device {
				t.Errorf("parseUserAgent(%q) = %+v, want %s/%s", tt.ua, got, tt.browser, tt.device)
			}
		})
	}
}

func TestClientInfoFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/players", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	info := clientInfoFromRequest(req, staticLocator{country: "NL"})
	if info.Country != "NL" {
		t.Errorf("expected NL, got %q", info.Country)
	}
	if clientIP(req) != "203.0.113.9" {
		t.Errorf("expected first forwarded address, got %q", clientIP(req))
	}

	info = clientInfoFromRequest(req, nil)
	if info.Country != "" {
		t.Errorf("expected no country without a locator, got %q", info.Country)
	}
}
