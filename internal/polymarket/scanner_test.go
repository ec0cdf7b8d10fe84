package polymarket

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

func gammaResponse(marketID, endDate string) string {
	return fmt.Sprintf(`[{
		"id": "evt-1",
		"title": "Bitcoin Up or Down",
		"slug": "btc-updown-15m-1700000100",
		"description": "Will BTC go up? Price to beat: $97,350.25",
		"active": true,
		"closed": false,
		"endDate": %q,
		"markets": [{
			"id": %q,
			"conditionId": "0xabc",
			"description": "",
			"outcomes": "[\"Up\", \"Down\"]",
			"outcomePrices": "[\"0.52\", \"0.48\"]",
			"clobTokenIds": "[\"token-up\", \"token-down\"]"
		}]
	}]`, endDate, marketID)
}

func TestFetchWindowParsesGammaEvent(t *testing.T) {
	endDate := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gammaResponse("mkt-1", endDate))
	}))
	defer srv.Close()

	s := NewScanner([]string{"BTC"})
	s.gammaURL = srv.URL

	w, err := s.fetchWindowBySlug("btc-updown-15m-1700000100", "BTC")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if w == nil {
		t.Fatal("expected a window")
	}
	if w.UpTokenID != "token-up" || w.DownTokenID != "token-down" {
		t.Fatalf("tokens %s/%s want token-up/token-down", w.UpTokenID, w.DownTokenID)
	}
	if !w.PriceToBeat.Equal(decimal.NewFromFloat(97350.25)) {
		t.Fatalf("price to beat %s want 97350.25", w.PriceToBeat)
	}
	if !w.UpPrice.Equal(decimal.NewFromFloat(0.52)) {
		t.Fatalf("up price %s want 0.52", w.UpPrice)
	}
	if w.Key.Asset != "BTC" || w.Key.MarketID != "mkt-1" {
		t.Fatalf("key %+v", w.Key)
	}
}

func TestScanDiscoversAndExpiresWindows(t *testing.T) {
	now := time.Unix(1700000100, 0)
	endDate := now.Add(5 * time.Minute).UTC().Format(time.RFC3339)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gammaResponse("mkt-1", endDate))
	}))
	defer srv.Close()

	s := NewScanner([]string{"BTC"})
	s.gammaURL = srv.URL
	s.now = func() time.Time { return now }

	var discovered, expired []Window
	s.OnNewWindow(func(w Window) { discovered = append(discovered, w) })
	s.OnExpired(func(w Window) { expired = append(expired, w) })

	s.scan()
	if len(discovered) != 1 {
		t.Fatalf("discovered=%d want 1", len(discovered))
	}
	if len(s.ActiveWindows()) != 1 {
		t.Fatalf("active=%d want 1", len(s.ActiveWindows()))
	}

	// Re-scan refreshes without firing the callback again.
	s.scan()
	if len(discovered) != 1 {
		t.Fatalf("discovered=%d after rescan want 1", len(discovered))
	}

	key, ok := s.ResolveToken("token-down")
	if !ok || key.MarketID != "mkt-1" {
		t.Fatalf("resolve token-down: ok=%v key=%+v", ok, key)
	}
	if _, ok := s.ResolveToken("unknown"); ok {
		t.Fatal("resolved an unknown token")
	}

	// Past the end time the window is dropped and the callback fires.
	now = now.Add(6 * time.Minute)
	s.expireOld(now)
	if len(expired) != 1 {
		t.Fatalf("expired=%d want 1", len(expired))
	}
	if _, ok := s.WindowFor(types.MarketKey{MarketID: "mkt-1", Asset: "BTC"}); ok {
		t.Fatal("expired window still tracked")
	}
}

func TestScanPrefetchesNextWindowNearRollover(t *testing.T) {
	var slugs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slugs = append(slugs, r.URL.Query().Get("slug"))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	s := NewScanner([]string{"BTC"})
	s.gammaURL = srv.URL

	// 30s before rollover of the 1700000100 window (start 1699999200,
	// next at 1700000100).
	s.now = func() time.Time { return time.Unix(1700000070, 0) }
	s.scan()

	if len(slugs) != 2 {
		t.Fatalf("slugs=%v want current and next", slugs)
	}
	if slugs[0] != "btc-updown-15m-1699999200" || slugs[1] != "btc-updown-15m-1700000100" {
		t.Fatalf("slugs=%v", slugs)
	}

	// Mid-window only the current slug is fetched.
	slugs = nil
	s.now = func() time.Time { return time.Unix(1699999500, 0) }
	s.scan()
	if len(slugs) != 1 || slugs[0] != "btc-updown-15m-1699999200" {
		t.Fatalf("slugs=%v want only current", slugs)
	}
}

func TestExtractPriceToBeat(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"This market resolves Up if price to beat: $97,350.25 is exceeded", "97350.25"},
		{"Starting price: $3,421.00 at window open", "3421"},
		{"no strike mentioned anywhere", "0"},
		{"price to beat comes later $108000 yes", "108000"},
	}

	for _, tt := range tests {
		got := extractPriceToBeat(tt.text)
		want, _ := decimal.NewFromString(tt.want)
		if !got.Equal(want) {
			t.Errorf("extractPriceToBeat(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}
