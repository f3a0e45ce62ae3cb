// Package stage spools frames to parquet files. Transformation runs use it
// when source and target engines differ, and the parquet destination builds
// on it for its table files.
package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	segparquet "github.com/segmentio/parquet-go"
	pw "github.com/xitongsys/parquet-go/writer"
	local "github.com/xitongsys/parquet-go-source/local"

	"github.com/wdm0006/tributary/pkg/tabular"
)

func parquetSchemaJSON(s tabular.Schema) string {
	type field struct {
		Tag string `json:"Tag"`
	}
	type schema struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}
	sc := schema{Tag: "name=schema, repetitiontype=REQUIRED"}
	for _, cs := range s.Columns {
		tag := "name=" + cs.Name + ", repetitiontype=OPTIONAL, type="
		switch cs.Type {
		case tabular.KindFloat:
			tag += "DOUBLE"
		case tabular.KindInt:
			tag += "INT64"
		case tabular.KindBool:
			tag += "BOOLEAN"
		default:
			tag += "BYTE_ARRAY, convertedtype=UTF8"
		}
		sc.Fields = append(sc.Fields, field{Tag: tag})
	}
	b, _ := json.Marshal(sc)
	return string(b)
}

// WriteFrame writes f to a parquet file at path. Time columns are stored as
// RFC3339 strings; ReadFrame restores them when given the logical schema.
func WriteFrame(path string, f *tabular.Frame) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return err
	}
	writer, err := pw.NewJSONWriter(parquetSchemaJSON(f.Schema()), fw, 4)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet writer init: %w", err)
	}
	for r := 0; r < f.Rows(); r++ {
		rec := make(map[string]any, len(f.Schema().Columns))
		for _, cs := range f.Schema().Columns {
			v, _ := f.Value(r, cs.Name)
			if v == nil {
				continue
			}
			if cs.Type == tabular.KindTime {
				rec[cs.Name] = v.(time.Time).UTC().Format(time.RFC3339Nano)
			} else {
				rec[cs.Name] = v
			}
		}
		if err := writer.Write(rec); err != nil {
			_ = fw.Close()
			return fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := writer.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet finalize: %w", err)
	}
	return fw.Close()
}

// ReadFrame reads a parquet file into a frame. When schema has no columns it
// is inferred from a sample of rows, the way file sources do.
func ReadFrame(path string, schema tabular.Schema) (*tabular.Frame, error) {
	rows, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		schema = tabular.InferSchema(rows)
	}
	f := tabular.NewFrame(schema)
	for _, rec := range rows {
		f.AppendRecord(rec)
	}
	return f, nil
}

// ReadRecords reads every row of a parquet file as flat records. File
// sources use it directly; ReadFrame builds a typed frame on top.
func ReadRecords(path string) ([]map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	r := segparquet.NewGenericReader[map[string]any](file)
	defer r.Close()
	var out []map[string]any
	buf := make([]map[string]any, 256)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			out = append(out, normalizeRecord(buf[i]))
			buf[i] = nil
		}
		if err != nil {
			if strings.Contains(err.Error(), "EOF") {
				break
			}
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func normalizeRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
			continue
		}
		out[k] = v
	}
	return out
}
