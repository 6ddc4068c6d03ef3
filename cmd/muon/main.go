package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/muon.report/internal/api"
	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/db"
	"github.com/banshee-data/muon.report/internal/export"
	"github.com/banshee-data/muon.report/internal/jobs"
	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/render"
	"github.com/banshee-data/muon.report/internal/version"
)

const defaultDBFile = "muon.db"

// Output file names written by analyse next to the export tables.
const (
	pageFile            = "report.html"
	densityPNGFile      = "density.png"
	distributionPNGFile = "distribution.png"
)

// overrideFlags collects repeated -set name=value flags.
type overrideFlags map[string]string

func (o overrideFlags) String() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k+"="+o[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (o overrideFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	o[strings.TrimSpace(name)] = value
	return nil
}

func usage(out io.Writer) {
	fmt.Fprintf(out, `Usage: muon [-version] <command> [flags]

Commands:
  serve     run the HTTP API, the analysis worker and the debug routes
  analyse   run one analysis and write its report to a directory
  submit    queue an analysis on a running server
  migrate   manage the results database schema (up|down|status|version N|force N)

Run 'muon <command> -h' for command flags.
`)
}

// Main
func main() {
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Usage = func() { usage(flag.CommandLine.Output()) }
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("muon: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, rest)
	case "analyse", "analyze":
		return runAnalyse(context.Background(), rest, out)
	case "submit":
		return runSubmit(context.Background(), rest, out)
	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
		dbPath := fs.String("db", defaultDBFile, "Path to the results database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return db.RunMigrateCommand(fs.Args(), *dbPath, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// loadDefaults reads the analysis defaults from path, or the built-in ones
// when path is empty.
func loadDefaults(path string) (*config.AnalysisConfig, error) {
	if path == "" {
		return config.DefaultAnalysisConfig(), nil
	}
	return config.LoadAnalysisConfig(path)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", ":8080", "Listen address")
	dbPath := fs.String("db", defaultDBFile, "Path to the results database")
	configPath := fs.String("config", "", "Analysis defaults file (.json or .yaml); built-in defaults when empty")
	interval := fs.Duration("interval", 5*time.Second, "How often the worker polls for pending results")
	assetsHost := fs.String("assets-host", "", "Host serving the echarts javascript; go-echarts CDN when empty")
	exampleTimeout := fs.Duration("example-timeout", api.DefaultExampleTimeout, "Deadline for /api/example runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("listen address is required")
	}

	defaults, err := loadDefaults(*configPath)
	if err != nil {
		return fmt.Errorf("loading analysis defaults: %w", err)
	}
	renderOpts := render.Options{AssetsHost: *assetsHost}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	log.Printf("[Server] results database %s", database.Path())

	worker := jobs.NewAnalysisWorker(database, defaults)
	worker.Interval = *interval
	worker.Render = renderOpts
	worker.Start()
	defer worker.Stop()

	mux := http.NewServeMux()
	// mount the admin debugging routes (accessible only from loopback or over Tailscale)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("attaching admin routes: %w", err)
	}
	apiServer := api.NewServer(database, defaults, worker)
	apiServer.Render = renderOpts
	apiServer.ExampleTimeout = *exampleTimeout
	mux.Handle("/api/", apiServer.ServeMux())

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("[Server] %s listening on %s", version.String(), *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Println("[Server] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] HTTP server shutdown error: %v", err)
	}
	wg.Wait()
	return nil
}

func runAnalyse(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyse", flag.ContinueOnError)
	configPath := fs.String("config", "", "Analysis config file (.json or .yaml); built-in defaults when empty")
	outDir := fs.String("out", "muon-report", "Output directory")
	assetsHost := fs.String("assets-host", "", "Host serving the echarts javascript; go-echarts CDN when empty")
	pathsFile := fs.String("paths", "", "Re-grid the paths in this CSV (as written to paths.csv) instead of sampling")
	overrides := overrideFlags{}
	fs.Var(overrides, "set", "Override a parameter, name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadDefaults(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return err
	}

	var res *analysis.Result
	if *pathsFile != "" {
		paths, err := readPaths(*pathsFile)
		if err != nil {
			return err
		}
		res, err = analysis.RunPaths(ctx, cfg, paths)
		if err != nil {
			return err
		}
	} else {
		res, err = analysis.Run(ctx, cfg)
		if err != nil {
			return err
		}
	}
	if err := export.WriteDir(*outDir, res); err != nil {
		return err
	}

	page, err := render.HTML(render.Page(res, render.Options{AssetsHost: *assetsHost}))
	if err != nil {
		return err
	}
	densityPNG, err := render.DensityPNG(res.Grid)
	if err != nil {
		return err
	}
	distPNG, err := render.DistributionPNG(res.Distribution)
	if err != nil {
		return err
	}
	files := map[string][]byte{
		pageFile:            page,
		densityPNGFile:      densityPNG,
		distributionPNGFile: distPNG,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(*outDir, name), data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	d := res.Distribution
	fmt.Fprintf(out, "paths=%d attempts=%d acceptance=%.3f\n",
		len(res.Paths), res.Stats.Attempts, res.Stats.AcceptanceRate())
	fmt.Fprintf(out, "cells=%d total=%d min=%d max=%d mean=%.2f median=%.1f p90=%.1f\n",
		len(d.Sorted), d.Total, d.Min, d.Max, d.Mean, d.Median, d.P90)
	fmt.Fprintf(out, "wrote %s\n", *outDir)
	return nil
}

func readPaths(path string) ([]geom.Path, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening paths: %w", err)
	}
	defer f.Close()
	return export.ReadPathsCSV(f)
}

func runSubmit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	serverURL := fs.String("server", "http://localhost:8080", "Base URL of a running muon server")
	wait := fs.Duration("wait", 0, "Poll until the result finishes, up to this long; zero returns immediately")
	overrides := overrideFlags{}
	fs.Var(overrides, "set", "Override a parameter, name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := api.NewClient(*serverURL)
	created, err := c.CreateResult(ctx, api.CreateRequest{Overrides: overrides})
	if err != nil {
		return err
	}

	var v interface{} = created
	if *wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		view, err := c.Wait(wctx, created.ID, time.Second)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", created.ID, err)
		}
		v = view
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
