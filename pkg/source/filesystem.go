package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/wdm0006/tributary/pkg/stage"
	"github.com/wdm0006/tributary/pkg/tabular"
)

// FilesConfig declares a set of local files as one resource. Format is
// inferred from the glob's extension when empty.
type FilesConfig struct {
	Glob   string `json:"glob" yaml:"glob" toml:"glob"`
	Format string `json:"format" yaml:"format" toml:"format"` // parquet|csv|jsonl

	// Delimiter applies to csv; zero means ','.
	Delimiter rune `json:"-" yaml:"-" toml:"-"`
}

// Files builds a resource that streams records from every file matching the
// glob, in lexical order. A missing or unreadable file fails the run.
func Files(name string, cfg FilesConfig) (*Resource, error) {
	format := cfg.Format
	if format == "" {
		switch strings.TrimPrefix(filepath.Ext(cfg.Glob), ".") {
		case "parquet":
			format = "parquet"
		case "csv":
			format = "csv"
		case "jsonl", "ndjson":
			format = "jsonl"
		default:
			return nil, fmt.Errorf("files source %s: cannot infer format from %q", name, cfg.Glob)
		}
	}
	paths, err := filepath.Glob(cfg.Glob)
	if err != nil {
		return nil, &Error{Resource: name, Detail: cfg.Glob, Err: err}
	}
	if len(paths) == 0 {
		return nil, &Error{Resource: name, Detail: cfg.Glob, Err: fmt.Errorf("no files matched")}
	}
	sort.Strings(paths)
	return &Resource{
		Name:   name,
		Policy: tabular.WriteReplace,
		Source: &fileSource{name: name, format: format, paths: paths, delim: cfg.Delimiter},
	}, nil
}

type fileSource struct {
	name   string
	format string
	paths  []string
	delim  rune
	buf    []map[string]any
}

func (s *fileSource) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for len(s.buf) == 0 {
		if len(s.paths) == 0 {
			return nil, io.EOF
		}
		path := s.paths[0]
		s.paths = s.paths[1:]
		records, err := s.readFile(path)
		if err != nil {
			return nil, &Error{Resource: s.name, Detail: path, Err: err}
		}
		s.buf = records
	}
	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

func (s *fileSource) Close() error { return nil }

func (s *fileSource) readFile(path string) ([]map[string]any, error) {
	switch s.format {
	case "parquet":
		return stage.ReadRecords(path)
	case "jsonl":
		return readJSONL(path)
	case "csv":
		return readCSV(path, s.delim)
	default:
		return nil, fmt.Errorf("unsupported format %q", s.format)
	}
}

func readJSONL(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(bufio.NewReader(f))
	var out []map[string]any
	for {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		out = append(out, m)
	}
}

var csvNumRe = regexp.MustCompile(`^[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?$`)

// readCSV reads the whole file, sniffs column kinds from a sample, and
// converts cells to typed values so downstream inference sees real types.
func readCSV(path string, delim rune) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(bufio.NewReader(f))
	if delim != 0 {
		r.Comma = delim
	}
	r.ReuseRecord = false
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	kinds := sniffCSVKinds(header, rows, 100)
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		rec := make(map[string]any, len(header))
		for i, name := range header {
			if i >= len(row) {
				break
			}
			rec[name] = convertCSVCell(strings.TrimSpace(row[i]), kinds[i])
		}
		out = append(out, rec)
	}
	return out, nil
}

func sniffCSVKinds(header []string, rows [][]string, sample int) []tabular.Kind {
	kinds := make([]tabular.Kind, len(header))
	for c := range header {
		nNum, nInt, nBool, nTime, nStr := 0, 0, 0, 0, 0
		for r := 0; r < len(rows) && r < sample; r++ {
			if c >= len(rows[r]) {
				continue
			}
			v := strings.TrimSpace(rows[r][c])
			if v == "" {
				continue
			}
			switch {
			case csvNumRe.MatchString(v):
				nNum++
				if !strings.ContainsAny(v, ".eE") {
					nInt++
				}
			case v == "true" || v == "false" || v == "True" || v == "False":
				nBool++
			default:
				if _, err := tabular.ParseTime(v); err == nil {
					nTime++
				} else {
					nStr++
				}
			}
		}
		switch {
		case nStr > 0:
			kinds[c] = tabular.KindString
		case nTime > 0 && nNum+nBool == 0:
			kinds[c] = tabular.KindTime
		case nBool > 0 && nNum == 0:
			kinds[c] = tabular.KindBool
		case nNum > 0 && nInt == nNum:
			kinds[c] = tabular.KindInt
		case nNum > 0:
			kinds[c] = tabular.KindFloat
		default:
			kinds[c] = tabular.KindString
		}
	}
	return kinds
}

func convertCSVCell(v string, k tabular.Kind) any {
	if v == "" {
		return nil
	}
	switch k {
	case tabular.KindInt:
		if x, err := strconv.ParseInt(v, 10, 64); err == nil {
			return x
		}
	case tabular.KindFloat:
		if x, err := strconv.ParseFloat(v, 64); err == nil {
			return x
		}
	case tabular.KindBool:
		if x, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return x
		}
	case tabular.KindTime:
		if x, err := tabular.ParseTime(v); err == nil {
			return x
		}
	}
	return v
}
