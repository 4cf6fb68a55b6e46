// Command ingest loads documents into the finsight store from the
// command line: either local files or recent EDGAR filings by ticker.
//
// Usage:
//
//	ingest -ticker AAPL -form 10-K -n 2
//	ingest -file ./report.pdf -ticker AAPL -company "Apple Inc."
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/brunobiangulo/finsight"
	"github.com/brunobiangulo/finsight/sec"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	ticker := flag.String("ticker", "", "Company ticker symbol")
	form := flag.String("form", "10-K", "EDGAR form type (10-K, 10-Q, 8-K)")
	count := flag.Int("n", 1, "Number of recent filings to download")
	file := flag.String("file", "", "Local file to ingest instead of EDGAR download")
	company := flag.String("company", "", "Company name for local file metadata")
	filingType := flag.String("filing-type", "", "Filing type for local file metadata")
	filingDate := flag.String("filing-date", "", "Filing date (YYYY-MM-DD) for local file metadata")
	force := flag.Bool("force", false, "Re-ingest even if content is unchanged")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg := finsight.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	if v := os.Getenv("FINSIGHT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FINSIGHT_SEC_USER_AGENT"); v != "" {
		cfg.SECUserAgent = v
	}

	if *file == "" && *ticker == "" {
		flag.Usage()
		os.Exit(2)
	}

	engine, err := finsight.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if *file != "" {
		opts := []finsight.IngestOption{
			finsight.WithFilingInfo(sec.FilingMetadata{
				Ticker:      *ticker,
				CompanyName: *company,
				FilingType:  *filingType,
				FilingDate:  *filingDate,
			}),
		}
		if *force {
			opts = append(opts, finsight.WithForceReparse())
		}

		docID, err := engine.Ingest(ctx, *file, opts...)
		if err != nil {
			slog.Error("ingest failed", "file", *file, "error", err)
			os.Exit(1)
		}
		slog.Info("ingested document", "file", *file, "doc_id", docID)
		return
	}

	docIDs, err := engine.IngestFilings(ctx, *ticker, *form, *count)
	if err != nil {
		slog.Error("ingest failed", "ticker", *ticker, "form", *form, "error", err)
		os.Exit(1)
	}
	slog.Info("ingested filings",
		"ticker", *ticker, "form", *form, "count", len(docIDs), "doc_ids", docIDs)
}
