// Poll OANDA v20 pricing and write a quote CSV for `tradepilot replay`.
//
// Usage examples:
//   OANDA_API_TOKEN=... OANDA_ACCOUNT_ID=101-001-... go run ./tools/record_quotes.go \
//     -instruments EUR_USD,GBP_USD,USD_JPY -every 5s -for 2h -out data/fx.csv
//
//   # Append to an existing capture:
//   go run ./tools/record_quotes.go -instruments EUR_USD -for 30m -out data/fx.csv -append
//
// Notes:
// - Pricing returns {"prices":[{"instrument","time","bids":[{"price"}],"asks":[{"price"}]}]};
//   the top of book is written as is.
// - The CSV header is: time,instrument,bid,ask (what the replay loader wants).
// - Rows with an unchanged (instrument,time) pair are skipped.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

type priceRow struct {
	Instrument string `json:"instrument"`
	Time       string `json:"time"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

func main() {
	var (
		instruments = flag.String("instruments", "EUR_USD", "Comma-separated instruments")
		every       = flag.Duration("every", 5*time.Second, "Poll interval")
		total       = flag.Duration("for", time.Hour, "Recording duration")
		outPath     = flag.String("out", "data/quotes.csv", "Output CSV path")
		appendOut   = flag.Bool("append", false, "Append to -out instead of truncating")
	)
	flag.Parse()

	base := trimRightSlash(getenv("OANDA_API_URL", "https://api-fxpractice.oanda.com"))
	token := getenv("OANDA_API_TOKEN", "")
	account := getenv("OANDA_ACCOUNT_ID", "")
	if token == "" || account == "" {
		fmt.Fprintln(os.Stderr, "OANDA_API_TOKEN and OANDA_ACCOUNT_ID must be set")
		os.Exit(2)
	}
	u := fmt.Sprintf("%s/v3/accounts/%s/pricing?instruments=%s",
		base, url.PathEscape(account), url.QueryEscape(strings.ReplaceAll(*instruments, " ", "")))

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		panic(err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if *appendOut {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(*outPath, flags, 0o644)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	st, _ := f.Stat()

	w := csv.NewWriter(f)
	defer w.Flush()
	if st == nil || st.Size() == 0 {
		if err := w.Write([]string{"time", "instrument", "bid", "ask"}); err != nil {
			panic(err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, *total)
	defer stop()

	hc := &http.Client{Timeout: 10 * time.Second}
	last := map[string]string{}
	rows := 0
	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		prices, err := poll(ctx, hc, u, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poll: %v\n", err)
		}
		for _, p := range prices {
			if len(p.Bids) == 0 || len(p.Asks) == 0 || last[p.Instrument] == p.Time {
				continue
			}
			last[p.Instrument] = p.Time
			if err := w.Write([]string{p.Time, p.Instrument, p.Bids[0].Price, p.Asks[0].Price}); err != nil {
				panic(err)
			}
			rows++
		}
		w.Flush()

		select {
		case <-ctx.Done():
			fmt.Printf("Wrote %s (%d rows)\n", *outPath, rows)
			return
		case <-t.C:
		}
	}
}

func poll(ctx context.Context, hc *http.Client, u, token string) ([]priceRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pricing status %d", resp.StatusCode)
	}
	var out struct {
		Prices []priceRow `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return out.Prices, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
