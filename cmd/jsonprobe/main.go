package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"jsoncsv/internal/probe"
)

var (
	flagInput  = flag.String("input", "-", "input file to probe (\"-\" reads stdin)")
	flagFormat = flag.String("format", "auto", "input framing: auto, ndjson or array")
	flagMax    = flag.Int64("max-records", 0, "stop after this many records (0 scans everything)")
	flagArrays = flag.String("array-mode", "indexed_columns", "array flattening: indexed_columns or json_string")
	flagNames  = flag.String("names", "raw", "column naming: raw or normalized")
)

func main() {
	flag.Parse()

	res, err := probe.Probe(context.Background(), probe.Options{
		Path:             *flagInput,
		Format:           *flagFormat,
		MaxRecords:       *flagMax,
		ArrayFlattenMode: *flagArrays,
		ColumnNameMode:   *flagNames,
	})
	if err != nil {
		log.Fatalf("probe: %v", err)
	}

	body, err := res.Render()
	if err != nil {
		log.Fatalf("probe: %v", err)
	}
	fmt.Fprint(os.Stdout, string(body))
}
