package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/columnar"
	"github.com/datatide/mongoscan/pkg/config"
	"github.com/datatide/mongoscan/pkg/convert"
	"github.com/datatide/mongoscan/pkg/filter"
	jsonpool "github.com/datatide/mongoscan/pkg/json"
	"github.com/datatide/mongoscan/pkg/logger"
	"github.com/datatide/mongoscan/pkg/relation"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "mongoscan",
		Short: "mongoscan - MongoDB relation scanner for columnar engines",
		Long: `mongoscan exposes MongoDB collections as typed, partitioned relations.
It infers schemas from document samples, plans chunk-aligned partitions and
streams typed rows suitable for columnar processing.`,
	}

	var configFile, logLevel string
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML connector configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mongoscan v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Infer and print the schema of the configured collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := openRelation(configFile, logLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer rel.Close(context.Background())

			s, err := rel.Schema(ctx)
			if err != nil {
				return err
			}
			fmt.Println(s.String())
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "partitions",
		Short: "Print the partition layout of the configured collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := openRelation(configFile, logLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer rel.Close(context.Background())

			plan, err := rel.BuildScan(ctx, nil, nil)
			if err != nil {
				return err
			}
			for _, part := range plan.Partitions {
				fmt.Printf("%s  shard=%s  hosts=%s\n", part.ID, part.Shard, strings.Join(part.Hosts, ","))
			}
			return nil
		},
	})

	var columnsFlag string
	var maxRows int
	var arrowStats bool
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the configured collection and print rows as JSON lines",
		Long: `Scan streams every partition of the collection in sequence and prints one
JSON object per row. Use --columns to project, e.g.

  mongoscan scan -c events.yaml --columns "user,tags[0],total"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := openRelation(configFile, logLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer rel.Close(context.Background())

			return runScan(ctx, rel, parseColumns(columnsFlag), maxRows, arrowStats)
		},
	}
	scanCmd.Flags().StringVar(&columnsFlag, "columns", "", "comma-separated columns to project (name or name[idx])")
	scanCmd.Flags().IntVar(&maxRows, "max-rows", 0, "stop after this many rows (0 = unlimited)")
	scanCmd.Flags().BoolVar(&arrowStats, "arrow", false, "build an Arrow batch per partition and print its stats instead of rows")
	root.AddCommand(scanCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openRelation loads configuration, initializes logging and constructs the
// relation.
func openRelation(configFile, logLevel string) (*relation.Relation, error) {
	if configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}

	if err := logger.Init(logger.Config{
		Level:       logLevel,
		Encoding:    "console",
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg := config.NewConnectorConfig("", "")
	if err := config.Load(configFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return relation.New(cfg, relation.WithLogger(logger.Get()))
}

func runScan(ctx context.Context, rel *relation.Relation, columns []filter.Column, maxRows int, arrowStats bool) error {
	start := time.Now()
	plan, err := rel.BuildScan(ctx, columns, nil)
	if err != nil {
		return err
	}

	total := 0
	for _, part := range plan.Partitions {
		partCtx, cancel := context.WithCancel(ctx)
		stream, err := plan.Rows(partCtx, part)
		if err != nil {
			cancel()
			return err
		}

		var batch []convert.Row
		for row := range stream.Rows {
			if arrowStats {
				batch = append(batch, row)
			} else if err := printRow(row, plan.Query.Schema.Names()); err != nil {
				cancel()
				return err
			}
			total++
			if maxRows > 0 && total >= maxRows {
				cancel()
				break
			}
		}
		streamErr := <-stream.Errors
		cancel()
		if streamErr != nil {
			return streamErr
		}

		if arrowStats {
			if err := printArrowStats(part.ID, plan, batch); err != nil {
				return err
			}
		}
		if maxRows > 0 && total >= maxRows {
			break
		}
	}

	logger.Info("scan complete",
		zap.Int("rows", total),
		zap.Int("partitions", len(plan.Partitions)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func printRow(row convert.Row, names []string) error {
	obj := make(map[string]interface{}, len(names))
	for i, name := range names {
		if i < len(row) {
			obj[name] = row[i]
		}
	}
	// Encode emits one newline-terminated JSON object per row.
	return jsonpool.MarshalToWriter(os.Stdout, obj)
}

func printArrowStats(partID string, plan *relation.Scan, batch []convert.Row) error {
	builder, err := columnar.NewBuilder(plan.Query.Schema, logger.Get())
	if err != nil {
		return err
	}
	defer builder.Release()

	if err := builder.AppendRows(batch); err != nil {
		return err
	}
	record := builder.NewRecord()
	defer record.Release()

	fmt.Printf("%s: %d rows x %d columns\n", partID, record.NumRows(), record.NumCols())
	return nil
}

// parseColumns parses "a,b[2],c" into projection columns.
func parseColumns(s string) []filter.Column {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var cols []filter.Column
	for _, raw := range strings.Split(s, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if open := strings.IndexByte(name, '['); open > 0 && strings.HasSuffix(name, "]") {
			if idx, err := strconv.Atoi(name[open+1 : len(name)-1]); err == nil {
				cols = append(cols, filter.ColAt(name[:open], idx))
				continue
			}
		}
		cols = append(cols, filter.Col(name))
	}
	return cols
}
