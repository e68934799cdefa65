package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/enrich"
	"github.com/fitglue/stravasync/pkg/gather"
	"github.com/fitglue/stravasync/pkg/report"
	"github.com/fitglue/stravasync/pkg/types"
)

const usage = `Usage: stravasync [flags] <command> [args]

Commands:
  gather <userId>                 fetch new activity summaries for a user
  enrich                          enrich one quota-sized batch inline
  fan-out                         publish enrichment messages for one batch
  reset-guard [job]               clear a stuck single-flight flag (default "enrichment")
  rate-limit                      print the persisted call budget
  training-load <userId> [from] [to]
                                  print the daily training load (YYYY-MM-DD bounds)

Flags:
`

type gatherer interface {
	Gather(ctx context.Context, userID string) (*gather.Result, error)
}

type enricher interface {
	Enrich(ctx context.Context) (*enrich.Result, error)
	FanOut(ctx context.Context, publisher shared.Publisher, topic string) (*enrich.FanOutResult, error)
}

type guard interface {
	Reset(ctx context.Context, job string) (*types.RunningStatus, error)
}

type limits interface {
	Status(ctx context.Context) (*types.RateLimitStatus, error)
}

type reporter interface {
	Report(ctx context.Context, userID string, from, to time.Time) (*report.TrainingLoad, error)
}

// app holds the dependencies of the commands.
type app struct {
	gatherer  gatherer
	enricher  enricher
	guard     guard
	limits    limits
	reporter  reporter
	publisher shared.Publisher
	out       io.Writer
	asJSON    bool
	now       func() time.Time
}

func main() {
	asJSON := flag.Bool("json", false, "print results as JSON")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	bootstrap.LoadDotEnv()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := bootstrap.NewService(ctx, "stravasync-cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "service init failed: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		gatherer:  svc.Gatherer(),
		enricher:  svc.Enricher(),
		guard:     svc.Guard,
		limits:    svc.Governor,
		reporter:  svc.Reporter(),
		publisher: svc.Pub,
		out:       os.Stdout,
		asJSON:    *asJSON,
		now:       time.Now,
	}
	err = a.run(ctx, flag.Args())
	if closeErr := svc.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

func (a *app) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "gather":
		if len(rest) != 1 {
			return fmt.Errorf("gather <userId>: %w", errUsage)
		}
		res, err := a.gatherer.Gather(ctx, rest[0])
		if res != nil {
			a.print(res, [][2]string{
				{"status", string(res.Status)},
				{"run", res.RunID},
				{"activities added", fmt.Sprint(res.ActivitiesAdded)},
				{"activities seen", fmt.Sprint(res.ActivitiesSeen)},
				{"skipped", fmt.Sprint(res.Skipped)},
				{"pages", fmt.Sprint(res.PagesFetched)},
				{"calls", fmt.Sprint(res.CallsMade)},
				{"cursor", res.Cursor},
				{"next reset", formatTime(res.NextResetAt)},
			})
		}
		return err

	case "enrich":
		res, err := a.enricher.Enrich(ctx)
		if res != nil {
			rows := [][2]string{
				{"status", string(res.Status)},
				{"enhanced", fmt.Sprint(res.ActivitiesEnhanced)},
				{"failed", fmt.Sprint(res.Failed)},
				{"calls available", fmt.Sprint(res.CallsAvailable)},
				{"next reset", formatTime(res.NextResetAt)},
			}
			for _, d := range res.Details {
				rows = append(rows, [2]string{"  " + d.ActivityID, d.Status + " " + d.Error})
			}
			a.print(res, rows)
		}
		return err

	case "fan-out":
		res, err := a.enricher.FanOut(ctx, a.publisher, shared.TopicEnrichJob)
		if res != nil {
			a.print(res, [][2]string{
				{"status", string(res.Status)},
				{"published", fmt.Sprint(res.Published)},
				{"failed", fmt.Sprint(res.Failed)},
			})
		}
		return err

	case "reset-guard":
		job := shared.JobEnrichment
		if len(rest) > 0 {
			job = rest[0]
		}
		prev, err := a.guard.Reset(ctx, job)
		if err != nil {
			return err
		}
		wasRunning := prev != nil && prev.IsRunning
		a.print(map[string]interface{}{"job": job, "wasRunning": wasRunning}, [][2]string{
			{"job", job},
			{"was running", fmt.Sprint(wasRunning)},
		})
		return nil

	case "rate-limit":
		st, err := a.limits.Status(ctx)
		if err != nil {
			return err
		}
		a.print(st, [][2]string{
			{"service", st.ServiceName},
			{"short window", fmt.Sprintf("%d/%d (resets %s)", st.ShortWindowCount, st.ShortWindowLimit, formatTime(&st.ShortWindowResetAt))},
			{"daily", fmt.Sprintf("%d/%d (resets %s)", st.DailyCount, st.DailyLimit, formatTime(&st.DailyResetAt))},
		})
		return nil

	case "training-load":
		if len(rest) < 1 || len(rest) > 3 {
			return fmt.Errorf("training-load <userId> [from] [to]: %w", errUsage)
		}
		var fromRaw, toRaw string
		if len(rest) > 1 {
			fromRaw = rest[1]
		}
		if len(rest) > 2 {
			toRaw = rest[2]
		}
		from, to, err := report.ParseRange(fromRaw, toRaw, a.now())
		if err != nil {
			return err
		}
		load, err := a.reporter.Report(ctx, rest[0], from, to)
		if err != nil {
			return err
		}
		rows := [][2]string{{"summary", load.Summary}}
		for _, d := range load.Days {
			rows = append(rows, [2]string{d.Date.Format(time.DateOnly), fmt.Sprintf("tss=%.0f ctl=%.1f atl=%.1f tsb=%.1f", d.TSS, d.CTL, d.ATL, d.TSB)})
		}
		a.print(load, rows)
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func (a *app) print(v interface{}, rows [][2]string) {
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
