// Command reconcile checks that the relational and document stores hold the
// same data for a date range: every hour present in both, identical key sets
// per table, matching fact values, and one calendar row per day.
//
// Usage:
//
//	go run ./cmd/reconcile -start 2023-01-01 -end 2023-12-31
//
// Store connections come from the same environment variables as cmd/etl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/weather-domain-etl/internal/adapter/document"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/relational"
	"github.com/couchcryptid/weather-domain-etl/internal/config"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
)

// maxListed caps the keys printed per difference.
const maxListed = 5

var tables = []string{domain.TableFact, domain.TableSolar, domain.TableAgricultural, domain.TableMarineWind}

// store is the read side both targets expose.
type store interface {
	Keys(ctx context.Context, table string, from, to time.Time) ([]time.Time, error)
	Facts(ctx context.Context, from, to time.Time) ([]domain.FactRecord, error)
}

// phase tracks pass/fail for a reconciliation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	_ = godotenv.Load()

	start := flag.String("start", "", "first day, YYYY-MM-DD (default START_DATE)")
	end := flag.String("end", "", "last day, YYYY-MM-DD (default END_DATE)")
	flag.Parse()

	os.Exit(run(*start, *end))
}

func run(start, end string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		return 1
	}
	if start == "" {
		start = cfg.StartDate
	}
	if end == "" {
		end = cfg.EndDate
	}
	dr, err := domain.ParseDateRange(start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	dsn := cfg.PostgresDSN()
	if cfg.RelationalDriver == config.DriverSQLite {
		dsn = cfg.SQLitePath
	}
	rel, err := relational.Open(cfg.RelationalDriver, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open relational store: %v\n", err)
		return 1
	}
	defer rel.Close() //nolint:errcheck // process exit

	doc, err := document.Connect(ctx, cfg.MongoURI, cfg.MongoDB, cfg.MongoUsername, cfg.MongoPassword, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: connect document store: %v\n", err)
		return 1
	}
	defer doc.Close(context.Background()) //nolint:errcheck // process exit

	fmt.Printf("=== Store Reconciliation %s ===\n\n", dr)

	calendarKeys, err := rel.CalendarKeys(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read calendar: %v\n", err)
		return 1
	}

	phases := []*phase{
		checkCompleteness(ctx, dr, map[string]store{relational.StoreName: rel, document.StoreName: doc}),
		checkKeyParity(ctx, dr, rel, doc),
		checkFactValues(ctx, dr, rel, doc),
		checkCalendar(dr, calendarKeys),
	}
	return printReport(phases)
}

func printReport(phases []*phase) int {
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nStores are consistent.")
		return 0
	}
	fmt.Println("\nReconciliation FAILED.")
	return 1
}

// checkCompleteness verifies every store holds exactly one fact row per hour.
func checkCompleteness(ctx context.Context, dr domain.DateRange, stores map[string]store) *phase {
	p := &phase{name: "Phase 1: Completeness (fact rows per hour)"}
	want := dr.HourCount()
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		keys, err := stores[name].Keys(ctx, domain.TableFact, dr.FirstHour(), dr.LastHour())
		if err != nil {
			p.errorf("%s: read keys: %v", name, err)
			continue
		}
		if len(keys) != want {
			p.errorf("%s: %d fact rows, want %d", name, len(keys), want)
		}
	}
	return p
}

// checkKeyParity compares the key sets of every table across the two stores.
func checkKeyParity(ctx context.Context, dr domain.DateRange, rel, doc store) *phase {
	p := &phase{name: "Phase 2: Key Parity (per table)"}
	for _, table := range tables {
		relKeys, err := rel.Keys(ctx, table, dr.FirstHour(), dr.LastHour())
		if err != nil {
			p.errorf("relational %s: %v", table, err)
			continue
		}
		docKeys, err := doc.Keys(ctx, table, dr.FirstHour(), dr.LastHour())
		if err != nil {
			p.errorf("document %s: %v", table, err)
			continue
		}
		if onlyRel := missing(relKeys, docKeys); len(onlyRel) > 0 {
			p.errorf("%s: %d key(s) only in relational: %s", table, len(onlyRel), listKeys(onlyRel))
		}
		if onlyDoc := missing(docKeys, relKeys); len(onlyDoc) > 0 {
			p.errorf("%s: %d key(s) only in document: %s", table, len(onlyDoc), listKeys(onlyDoc))
		}
	}
	return p
}

// checkFactValues compares fact rows present in both stores field by field.
func checkFactValues(ctx context.Context, dr domain.DateRange, rel, doc store) *phase {
	p := &phase{name: "Phase 3: Fact Values"}
	relFacts, err := rel.Facts(ctx, dr.FirstHour(), dr.LastHour())
	if err != nil {
		p.errorf("relational: %v", err)
		return p
	}
	docFacts, err := doc.Facts(ctx, dr.FirstHour(), dr.LastHour())
	if err != nil {
		p.errorf("document: %v", err)
		return p
	}

	byTime := make(map[int64]domain.FactRecord, len(docFacts))
	for _, f := range docFacts {
		byTime[f.Time.Unix()] = f
	}
	opt := cmpopts.EquateApprox(0, 1e-9)
	for _, r := range relFacts {
		d, ok := byTime[r.Time.Unix()]
		if !ok {
			continue
		}
		if diff := cmp.Diff(r, d, opt); diff != "" {
			p.errorf("%s differs (-relational +document):\n%s", r.Time.Format(time.RFC3339), diff)
			if len(p.errors) >= maxListed {
				p.errorf("further value differences suppressed")
				break
			}
		}
	}
	return p
}

// checkCalendar verifies one calendar row exists per day of the range.
func checkCalendar(dr domain.DateRange, stored []int) *phase {
	p := &phase{name: "Phase 4: Calendar Dimension"}
	have := make(map[int]bool, len(stored))
	for _, k := range stored {
		have[k] = true
	}
	var absent []string
	for d := dr.Start; !d.After(dr.End); d = d.AddDate(0, 0, 1) {
		if key := domain.DateKey(d); !have[key] {
			absent = append(absent, fmt.Sprint(key))
		}
	}
	if len(absent) > 0 {
		shown := absent[:min(len(absent), maxListed)]
		p.errorf("%d day(s) missing from calendar: %v", len(absent), shown)
	}
	return p
}

// missing returns the keys of a not in b.
func missing(a, b []time.Time) []time.Time {
	set := make(map[int64]struct{}, len(b))
	for _, k := range b {
		set[k.Unix()] = struct{}{}
	}
	var out []time.Time
	for _, k := range a {
		if _, ok := set[k.Unix()]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func listKeys(keys []time.Time) string {
	shown := keys[:min(len(keys), maxListed)]
	s := ""
	for i, k := range shown {
		if i > 0 {
			s += ", "
		}
		s += k.Format(time.RFC3339)
	}
	if len(keys) > maxListed {
		s += ", ..."
	}
	return s
}
