package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradewatch/tradewatch/internal/providers"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch trade data and documents into the local store",
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch provider data for every watched HS code",
	Long: `Fetch monthly trade statistics and recent bill-of-lading shipments for every
HS code in the watch list, store new records and queue them for indexing.

Examples:
  tradewatch ingest run
  tradewatch ingest run --hs-codes ./watchlist.txt --etl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hsFile, _ := cmd.Flags().GetString("hs-codes")
		runETL, _ := cmd.Flags().GetBool("etl")

		return withApp(func(a *app) error {
			codes, err := a.hsCodes(hsFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printStep("Fetching %d HS codes...", len(codes))
			sum, err := a.newPipeline().Run(ctx, codes)
			if err != nil {
				return err
			}
			printSuccess("Stored %d new records (%d statistics, %d shipments fetched)", sum.New, sum.Comtrade, sum.Shipments)
			if sum.Failed > 0 {
				printWarning("%d fetches failed, see the log for details", sum.Failed)
			}
			if runETL {
				return drainETL(ctx, a)
			}
			return nil
		})
	},
}

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>...",
	Short: "Add text, HTML or PDF files to the searchable documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		if title != "" && len(args) > 1 {
			return errors.New("--title can only be used with a single file")
		}
		return withApp(func(a *app) error {
			pipeline := a.newPipeline()
			for _, path := range args {
				doc, err := providers.ReadDocument(path)
				if err != nil {
					return err
				}
				if title != "" {
					doc.Title = title
				}
				if err := addDocument(pipeline, doc); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var ingestURLCmd = &cobra.Command{
	Use:   "url <url>",
	Short: "Fetch a web page or PDF and add it to the searchable documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		return withApp(func(a *app) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			doc, err := providers.FetchDocument(ctx, &http.Client{Timeout: 30 * time.Second}, args[0])
			if err != nil {
				return err
			}
			if title != "" {
				doc.Title = title
			}
			return addDocument(a.newPipeline(), doc)
		})
	},
}

func addDocument(p *providers.Pipeline, doc providers.Document) error {
	id, created, err := p.AddDocument(doc)
	if err != nil {
		return err
	}
	if !created {
		printStatus("Exists", "%s (%s)", doc.Origin, id)
		return nil
	}
	printSuccess("Queued %s as %s", doc.Origin, id)
	return nil
}

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Index stored records for retrieval",
}

var etlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Embed every queued record and document, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return drainETL(ctx, a)
		})
	},
}

func drainETL(ctx context.Context, a *app) error {
	if !a.ollama.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s; it is needed to embed records", a.cfg.Ollama.BaseURL)
	}
	printStep("Indexing queued records...")
	n, err := a.newWorker().Drain(ctx)
	if err != nil {
		return err
	}
	printSuccess("Processed %d jobs", n)
	return nil
}

func init() {
	ingestRunCmd.Flags().String("hs-codes", "", "HS code list file (default ingest.hs_codes_file)")
	ingestRunCmd.Flags().Bool("etl", false, "index the new records before exiting")
	ingestFileCmd.Flags().String("title", "", "document title")
	ingestURLCmd.Flags().String("title", "", "document title")

	ingestCmd.AddCommand(ingestRunCmd)
	ingestCmd.AddCommand(ingestFileCmd)
	ingestCmd.AddCommand(ingestURLCmd)
	etlCmd.AddCommand(etlRunCmd)
}
