package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/destination/memdest"
	"github.com/wdm0006/tributary/pkg/destination/sqlitedest"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/source"
)

// genSource emits synthetic nested records: scalar fields plus a variable
// length list that the normalizer explodes into a child table.
type genSource struct {
	remain   int
	missp    float64
	children int
	rnd      *rand.Rand
}

func (g *genSource) Next(ctx context.Context) (map[string]any, error) {
	if g.remain <= 0 {
		return nil, io.EOF
	}
	g.remain--
	rec := map[string]any{
		"id":     int64(g.rnd.Int31()),
		"score":  g.rnd.Float64() * 100,
		"active": g.rnd.Intn(2) == 0,
		"name":   fmt.Sprintf("item-%04d", g.rnd.Intn(10000)),
	}
	if g.rnd.Float64() < g.missp {
		rec["score"] = nil
	}
	n := g.rnd.Intn(g.children + 1)
	var tags []any
	for i := 0; i < n; i++ {
		tags = append(tags, fmt.Sprintf("tag-%d", g.rnd.Intn(50)))
	}
	if len(tags) > 0 {
		rec["tags"] = tags
	}
	return rec, nil
}

func (g *genSource) Close() error { return nil }

func main() {
	var (
		rows     = flag.Int("rows", 100_000, "records to generate per load")
		loads    = flag.Int("loads", 1, "number of loads to run")
		children = flag.Int("children", 3, "max child list length per record")
		missp    = flag.Float64("missing", 0.05, "probability of a missing score")
		engine   = flag.String("engine", "memory", "destination engine: memory|sqlite")
		dbPath   = flag.String("db", ":memory:", "sqlite database path")
		jsonOut  = flag.Bool("json", false, "emit JSON summary")
		seed     = flag.Int64("seed", 42, "random seed")
	)
	flag.Parse()

	var dest destination.Destination
	switch *engine {
	case "memory":
		dest = memdest.New()
	case "sqlite":
		d, err := sqlitedest.Open(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer d.Close()
		dest = d
	default:
		fmt.Fprintf(os.Stderr, "unknown engine %q\n", *engine)
		os.Exit(2)
	}

	p := pipeline.New("loadbench", dest, "bench_data")

	// Warm up
	runtime.GC()
	time.Sleep(100 * time.Millisecond)

	var msBefore, msAfter runtime.MemStats
	runtime.ReadMemStats(&msBefore)
	start := time.Now()
	totalRows := 0
	for i := 0; i < *loads; i++ {
		res := &source.Resource{
			Name:   "records",
			Policy: "append",
			Source: &genSource{
				remain:   *rows,
				missp:    *missp,
				children: *children,
				rnd:      rand.New(rand.NewSource(*seed + int64(i))),
			},
		}
		info, err := p.Run(context.Background(), res)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, t := range info.Tables {
			totalRows += t.Rows
		}
	}
	elapsed := time.Since(start)
	runtime.ReadMemStats(&msAfter)

	rowsPerSec := float64(totalRows) / elapsed.Seconds()
	summary := map[string]any{
		"records":               *rows * *loads,
		"rows_loaded":           totalRows,
		"loads":                 *loads,
		"engine":                *engine,
		"elapsed_ms":            elapsed.Milliseconds(),
		"rows_per_sec":          rowsPerSec,
		"mem_alloc_bytes":       msAfter.Alloc,
		"mem_total_alloc_bytes": msAfter.TotalAlloc - msBefore.TotalAlloc,
		"gc_num":                msAfter.NumGC - msBefore.NumGC,
		"missing_prob":          *missp,
	}

	if *jsonOut {
		b, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("Records: %d\n", *rows**loads)
	fmt.Printf("Rows loaded: %d\n", totalRows)
	fmt.Printf("Elapsed: %s\n", elapsed)
	fmt.Printf("Throughput: %.0f rows/s\n", rowsPerSec)
	fmt.Printf("Current Alloc: %d MB\n", msAfter.Alloc/1024/1024)
	fmt.Printf("Total Alloc (delta): %d MB\n", (msAfter.TotalAlloc-msBefore.TotalAlloc)/1024/1024)
	fmt.Printf("GC cycles (delta): %d\n", msAfter.NumGC-msBefore.NumGC)
}
