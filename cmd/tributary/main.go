package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/destination/memdest"
	"github.com/wdm0006/tributary/pkg/destination/parquetdest"
	"github.com/wdm0006/tributary/pkg/destination/sqlitedest"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/quality"
	"github.com/wdm0006/tributary/pkg/source"
	"github.com/wdm0006/tributary/pkg/tabular"
)

var (
	version = "0.1.0-dev"
)

// loaders for alternate config formats, wired in behind build tags
var (
	yamlUnmarshal func(b []byte, v any) error
	tomlUnmarshal func(b []byte, v any) error
)

type Config struct {
	Pipeline    string            `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Dataset     string            `json:"dataset" yaml:"dataset" toml:"dataset"`
	Destination DestinationConfig `json:"destination" yaml:"destination" toml:"destination"`

	REST    *source.RESTConfig `json:"rest,omitempty" yaml:"rest,omitempty" toml:"rest,omitempty"`
	Files   []FilesResource    `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	Metrics []quality.Metric   `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
}

type DestinationConfig struct {
	Engine string `json:"engine" yaml:"engine" toml:"engine"` // sqlite|parquet|memory
	Path   string `json:"path" yaml:"path" toml:"path"`
}

type FilesResource struct {
	Name       string   `json:"name" yaml:"name" toml:"name"`
	Policy     string   `json:"write_policy" yaml:"write_policy" toml:"write_policy"`
	PrimaryKey []string `json:"primary_key" yaml:"primary_key" toml:"primary_key"`
	Glob       string   `json:"glob" yaml:"glob" toml:"glob"`
	Format     string   `json:"format" yaml:"format" toml:"format"`
}

func main() {
	log.SetHandler(cli.New(os.Stderr))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	if cmd == "-version" || cmd == "--version" || cmd == "version" {
		fmt.Println("tributary", version)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to pipeline config (JSON)")
	metricName := fs.String("metric", "", "Metric name for history")
	metricTable := fs.String("table", "", "Table for history")
	metricColumn := fs.String("column", "", "Column for history")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	_ = fs.Parse(os.Args[2:])

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "no config provided; try -config <file>")
		os.Exit(2)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	dest, closeDest, err := openDestination(cfg.Destination)
	if err != nil {
		fatal(err)
	}
	defer closeDest()

	ctx := context.Background()
	switch cmd {
	case "run":
		err = runPipeline(ctx, cfg, dest)
	case "tables":
		err = listTables(ctx, cfg, dest)
	case "metrics":
		err = showMetrics(ctx, cfg, dest)
	case "history":
		m := quality.Metric{Name: *metricName, Table: *metricTable, Column: *metricColumn}
		err = showHistory(ctx, cfg, dest, m)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tributary <command> [flags]

commands:
  run      run the configured ingestion pipeline
  tables   list tables in the configured dataset
  metrics  compute the configured metrics against the latest data
  history  print the history of one metric (-metric, -table, -column)
  version  print version`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "yaml", "yml":
		if yamlUnmarshal == nil {
			return nil, fmt.Errorf("yaml config support not built in (build with -tags yaml)")
		}
		err = yamlUnmarshal(b, &cfg)
	case "toml":
		if tomlUnmarshal == nil {
			return nil, fmt.Errorf("toml config support not built in (build with -tags toml)")
		}
		err = tomlUnmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("config %s: pipeline name is required", path)
	}
	return &cfg, nil
}

func openDestination(cfg DestinationConfig) (destination.Destination, func(), error) {
	switch cfg.Engine {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		d, err := sqlitedest.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case "parquet":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("parquet destination needs a path")
		}
		d, err := parquetdest.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	case "memory":
		return memdest.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown destination engine %q", cfg.Engine)
	}
}

func buildResources(cfg *Config) ([]*source.Resource, error) {
	var resources []*source.Resource
	if cfg.REST != nil {
		rs, err := source.REST(*cfg.REST)
		if err != nil {
			return nil, err
		}
		resources = append(resources, rs...)
	}
	for _, fr := range cfg.Files {
		r, err := source.Files(fr.Name, source.FilesConfig{Glob: fr.Glob, Format: fr.Format})
		if err != nil {
			return nil, err
		}
		if fr.Policy != "" {
			r.Policy = tabular.WritePolicy(fr.Policy)
		}
		r.PrimaryKey = fr.PrimaryKey
		resources = append(resources, r)
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("config declares no sources")
	}
	return resources, nil
}

func runPipeline(ctx context.Context, cfg *Config, dest destination.Destination) error {
	resources, err := buildResources(cfg)
	if err != nil {
		return err
	}
	p := pipeline.New(cfg.Pipeline, dest, cfg.Dataset)
	info, err := p.Run(ctx, resources...)
	if err != nil {
		return err
	}
	fmt.Println(info)

	if len(cfg.Metrics) > 0 {
		rows, err := quality.Compute(ctx, p.Dataset(), info.LoadID, cfg.Metrics)
		if err != nil {
			return err
		}
		printMetricRows(rows)
	}
	return nil
}

func listTables(ctx context.Context, cfg *Config, dest destination.Destination) error {
	p := pipeline.New(cfg.Pipeline, dest, cfg.Dataset)
	ds := p.Dataset()
	tables, err := ds.Tables(ctx)
	if err != nil {
		return err
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Table", "Rows", "Columns"})
	for _, t := range tables {
		f, err := ds.ReadTable(ctx, t)
		if err != nil {
			return err
		}
		tw.Append([]string{t, fmt.Sprintf("%d", f.Rows()), fmt.Sprintf("%d", f.Cols())})
	}
	tw.Render()
	return nil
}

func showMetrics(ctx context.Context, cfg *Config, dest destination.Destination) error {
	if len(cfg.Metrics) == 0 {
		return fmt.Errorf("config declares no metrics")
	}
	p := pipeline.New(cfg.Pipeline, dest, cfg.Dataset)
	rows, err := quality.Compute(ctx, p.Dataset(), pipeline.NewLoadID(), cfg.Metrics)
	if err != nil {
		return err
	}
	printMetricRows(rows)
	return nil
}

func printMetricRows(rows []quality.Row) {
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Metric", "Table", "Column", "Scope", "Value"})
	for _, r := range rows {
		tw.Append([]string{r.Metric, r.Table, r.Column, r.Scope, r.Text})
	}
	tw.Render()
}

func showHistory(ctx context.Context, cfg *Config, dest destination.Destination, m quality.Metric) error {
	if m.Name == "" {
		return fmt.Errorf("history needs -metric")
	}
	p := pipeline.New(cfg.Pipeline, dest, cfg.Dataset)
	points, err := quality.History(ctx, p.Dataset(), m)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Println("no observations")
		return nil
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Load", "At", "Value"})
	var series []float64
	for _, pt := range points {
		tw.Append([]string{pt.LoadID, pt.LoadedAt.Format("2006-01-02 15:04:05"), pt.Text})
		if pt.HasValue {
			series = append(series, pt.Value)
		}
	}
	tw.Render()
	if len(series) > 1 {
		fmt.Println(asciigraph.Plot(series, asciigraph.Height(8), asciigraph.Caption(m.Name)))
	}
	return nil
}
