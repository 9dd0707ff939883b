// Command splore drives the Splore service from the shell. Credentials and
// tuning come from SPLORE_* environment variables.
//
//	splore extract [-agent id] [-meta k=v] [-timeout d] FILE|URI...
//	splore retry FILE_ID EXTRACTION_ID
//	splore status -file id [-extraction id] [-version n]
//	splore search [-count n] [-engine name] QUERY...
//	splore history [-page n] [-size n]
//	splore agents list|create|delete ...
//	splore inspect FILE
//	splore md2html [-unsafe] [FILE]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgallion1/splore"
	"github.com/dgallion1/splore/internal/agents"
	"github.com/dgallion1/splore/internal/config"
	"github.com/dgallion1/splore/internal/docinfo"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/markdown"
)

type command struct {
	run     func(ctx context.Context, env *env, args []string) error
	offline bool
}

type env struct {
	cfg config.Config
	log *slog.Logger
	sdk *splore.SDK
	out io.Writer
}

var commands = map[string]command{
	"extract": {run: runExtract},
	"retry":   {run: runRetry},
	"status":  {run: runStatus},
	"search":  {run: runSearch},
	"history": {run: runHistory},
	"agents":  {run: runAgents},
	"inspect": {run: runInspect, offline: true},
	"md2html": {run: runMarkdown, offline: true},
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(stderr)
		return 2
	}

	cfg := config.Load()
	log := logging.NewWithWriter(stderr, "splore", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, log)

	e := &env{cfg: cfg, log: log, out: stdout}
	if !cmd.offline {
		sdk, err := splore.NewFromEnv(ctx, splore.WithLogger(log))
		if err != nil {
			log.Error("sdk init failed", "error", err)
			return 1
		}
		defer sdk.Close()
		e.sdk = sdk
	}

	if err := cmd.run(ctx, e, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		log.Error(args[0]+" failed", "error", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: splore extract|retry|status|search|history|agents|inspect|md2html [flags]")
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *env) agent(id string) (*splore.Agent, error) {
	if id == "" {
		id = e.cfg.AgentID
	}
	return e.sdk.InitAgent(id)
}

// metaFlags collects repeated -meta key=value pairs.
type metaFlags map[string]any

func (m metaFlags) String() string { return fmt.Sprint(map[string]any(m)) }

func (m metaFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	m[k] = v
	return nil
}

func sourceOf(arg string) splore.Source {
	if strings.Contains(arg, "://") {
		return splore.Source{URI: arg}
	}
	return splore.Source{Path: arg}
}

func runExtract(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id (default SPLORE_AGENT_ID)")
	timeout := fs.Duration("timeout", 0, "budget of each polling phase")
	meta := metaFlags{}
	fs.Var(meta, "meta", "upload metadata key=value, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one file or uri is required")
	}
	agent, err := e.agent(*agentID)
	if err != nil {
		return err
	}

	opts := []splore.ExtractOption{
		splore.WithMaxPollTimeout(*timeout),
		splore.WithMetadata(meta),
		splore.WithTransitions(func(tr splore.Transition) {
			e.log.Info("extraction", "state", tr.To, "file_id", tr.Job.FileID, "extraction_id", tr.Job.ExtractionID)
		}),
	}

	start := time.Now()
	if fs.NArg() == 1 {
		res, err := agent.Extract(ctx, sourceOf(fs.Arg(0)), opts...)
		if err != nil {
			return err
		}
		e.log.Debug("request latency", "stats", e.sdk.Stats(), "elapsed", time.Since(start))
		return e.print(res)
	}

	srcs := make([]splore.Source, 0, fs.NArg())
	for _, a := range fs.Args() {
		srcs = append(srcs, sourceOf(a))
	}
	outcomes, err := agent.Extraction().ExtractAll(ctx, srcs, opts...)
	if err != nil {
		return err
	}
	type row struct {
		Job    splore.JobSnapshot `json:"job"`
		Result *splore.Result     `json:"result,omitempty"`
	}
	rows := make([]row, 0, len(outcomes))
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
		rows = append(rows, row{Job: o.Job, Result: o.Result})
	}
	e.log.Info("batch finished", "total", len(outcomes), "failed", failed, "elapsed", time.Since(start))
	if err := e.print(rows); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d extractions failed", failed, len(outcomes))
	}
	return nil
}

func runRetry(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	fileID := fs.String("file", "", "file id")
	extractionID := fs.String("extraction", "", "extraction id")
	timeout := fs.Duration("timeout", 0, "polling budget")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fileID == "" && *extractionID == "" && fs.NArg() == 2 {
		*fileID, *extractionID = fs.Arg(0), fs.Arg(1)
	}
	agent, err := e.agent(*agentID)
	if err != nil {
		return err
	}
	res, err := agent.Extraction().RetryExtraction(ctx, *fileID, *extractionID, splore.WithMaxPollTimeout(*timeout))
	if err != nil {
		return err
	}
	return e.print(res)
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	fileID := fs.String("file", "", "file id")
	extractionID := fs.String("extraction", "", "extraction id; omit for indexing status")
	version := fs.Int("version", 0, "job version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	agent, err := e.agent(*agentID)
	if err != nil {
		return err
	}
	if *extractionID == "" {
		st, err := agent.Extraction().IndexingStatus(ctx, *fileID)
		if err != nil {
			return err
		}
		return e.print(st)
	}
	st, err := agent.Extraction().ProcessingStatus(ctx, *fileID, *extractionID, *version)
	if err != nil {
		return err
	}
	return e.print(st)
}

func runSearch(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	query := fs.String("q", "", "query text")
	count := fs.Int("count", 0, "number of results")
	engine := fs.String("engine", "", "search engine")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		*query = strings.Join(fs.Args(), " ")
	}
	agent, err := e.agent(*agentID)
	if err != nil {
		return err
	}
	res, err := agent.SearchQuery(ctx, *query, *count, *engine)
	if err != nil {
		return err
	}
	return e.print(res)
}

func runHistory(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	page := fs.Int("page", 0, "page number")
	size := fs.Int("size", 0, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	agent, err := e.agent(*agentID)
	if err != nil {
		return err
	}
	res, err := agent.SearchHistory(ctx, *page, *size)
	if err != nil {
		return err
	}
	return e.print(res)
}

func runAgents(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return errors.New("agents: expected list, create or delete")
	}
	fs := flag.NewFlagSet("agents "+args[0], flag.ContinueOnError)
	id := fs.String("id", "", "agent id")
	name := fs.String("name", "", "agent name")
	desc := fs.String("description", "", "agent description")
	web := fs.Bool("web-search", false, "enable web search")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var res any
	var err error
	switch args[0] {
	case "list":
		res, err = e.sdk.GetAgents(ctx, *id, *name)
	case "create":
		in := agents.CreateAgentInput{AgentName: *name, Description: *desc}
		if *web {
			in.EnableWebSearch = web
		}
		res, err = e.sdk.Agents().Create(ctx, in)
	case "delete":
		res, err = e.sdk.Agents().Delete(ctx, *id)
	default:
		return fmt.Errorf("agents: unknown action %q", args[0])
	}
	if err != nil {
		return err
	}
	return e.print(res)
}

func runInspect(_ context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("inspect: expected one file")
	}
	info, err := docinfo.Inspect(args[0])
	if err != nil {
		return err
	}
	return e.print(info)
}

func runMarkdown(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("md2html", flag.ContinueOnError)
	unsafe := fs.Bool("unsafe", false, "keep raw HTML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	src, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	opts := markdown.DefaultOptions()
	opts.Safe = !*unsafe
	out, err := markdown.NewConverter(e.log).Convert(string(src), opts)
	if err != nil {
		return err
	}
	_, err = io.WriteString(e.out, out)
	return err
}
