package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tradewatch/tradewatch/internal/metrics"
	"github.com/tradewatch/tradewatch/internal/storage"
)

// Sources stored in trade_records and carried into vector metadata.
const (
	SourceComtrade = "comtrade"
	SourceBOL      = "bill_of_lading"
	SourceDocument = "document"
)

// RecordPayload is the payload of etl_record and etl_document jobs.
type RecordPayload struct {
	RecordID string `json:"record_id"`
}

// DocumentPayload is the stored form of an ingested document.
type DocumentPayload struct {
	Title  string `json:"title"`
	Origin string `json:"origin"`
	Text   string `json:"text"`
	Date   string `json:"date"`
}

// RecordStore persists raw records and queues their ETL. *storage.Store
// satisfies it.
type RecordStore interface {
	SaveTradeRecord(r storage.TradeRecord) (bool, error)
	EnqueueJob(job storage.Job) error
}

// ComtradeFetcher is satisfied by *ComtradeClient.
type ComtradeFetcher interface {
	FetchMonthlyStats(ctx context.Context, hsCode string, now time.Time) ([]ComtradeRecord, error)
}

// ShipmentFetcher is satisfied by *BOLClient.
type ShipmentFetcher interface {
	FetchShipments(ctx context.Context, hsCode string, daysBack int, now time.Time) ([]Shipment, error)
}

// PipelineConfig configures a Pipeline. Nil fetchers disable their source.
type PipelineConfig struct {
	Comtrade ComtradeFetcher
	BOL      ShipmentFetcher
	// DaysBack is the shipment lookback window. Defaults to 1 for a daily run.
	DaysBack int
	Logger   *slog.Logger
}

// Pipeline fetches every source for every watched HS code, stores the raw
// records and queues one ETL job per new record.
type Pipeline struct {
	store    RecordStore
	comtrade ComtradeFetcher
	bol      ShipmentFetcher
	daysBack int
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(store RecordStore, cfg PipelineConfig) *Pipeline {
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		comtrade: cfg.Comtrade,
		bol:      cfg.BOL,
		daysBack: cfg.DaysBack,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Summary counts the outcome of one pipeline run.
type Summary struct {
	HSCodes   int `json:"hs_codes"`
	Comtrade  int `json:"comtrade_records"`
	Shipments int `json:"shipments"`
	New       int `json:"new_records"`
	Failed    int `json:"failed_fetches"`
}

// Run processes hsCodes in order. A failed fetch is logged and counted; the
// run continues with the next source. Storage failures abort the run.
func (p *Pipeline) Run(ctx context.Context, hsCodes []string) (Summary, error) {
	sum := Summary{HSCodes: len(hsCodes)}
	now := p.now()
	p.logger.Info("ingestion started", "hs_codes", len(hsCodes))

	for i, code := range hsCodes {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		p.logger.Info("processing HS code", "index", i+1, "total", len(hsCodes), "hs_code", code)

		var (
			stats     []ComtradeRecord
			shipments []Shipment
			mu        sync.Mutex
		)
		var g errgroup.Group
		if p.comtrade != nil {
			g.Go(func() error {
				recs, err := p.comtrade.FetchMonthlyStats(ctx, code, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					p.logger.Error("comtrade fetch failed", "hs_code", code, "error", err)
					sum.Failed++
					return nil
				}
				stats = recs
				return nil
			})
		}
		if p.bol != nil {
			g.Go(func() error {
				recs, err := p.bol.FetchShipments(ctx, code, p.daysBack, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					p.logger.Error("bill of lading fetch failed", "hs_code", code, "error", err)
					sum.Failed++
					return nil
				}
				shipments = recs
				return nil
			})
		}
		g.Wait()

		for _, rec := range stats {
			created, err := p.save(SourceComtrade, rec.Key(), code, string(rec.Period), rec, storage.JobETLRecord)
			if err != nil {
				return sum, err
			}
			sum.Comtrade++
			if created {
				sum.New++
			}
		}
		for _, s := range shipments {
			date := s.Field("shipment_date", "date")
			created, err := p.save(SourceBOL, s.Key(), code, date, s, storage.JobETLRecord)
			if err != nil {
				return sum, err
			}
			sum.Shipments++
			if created {
				sum.New++
			}
		}
	}

	p.logger.Info("ingestion complete",
		"hs_codes", sum.HSCodes, "comtrade_records", sum.Comtrade,
		"shipments", sum.Shipments, "new_records", sum.New, "failed_fetches", sum.Failed)
	return sum, nil
}

// AddDocument stores doc and queues it for ETL. Adding the same text from the
// same origin twice is a no-op; the record ID is returned either way.
func (p *Pipeline) AddDocument(doc Document) (id string, created bool, err error) {
	id = "doc:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(doc.Origin+"\x00"+doc.Text)).String()
	payload := DocumentPayload{
		Title:  doc.Title,
		Origin: doc.Origin,
		Text:   doc.Text,
		Date:   p.now().UTC().Format(time.DateOnly),
	}
	created, err = p.save(SourceDocument, id, "", payload.Date, payload, storage.JobETLDocument)
	return id, created, err
}

// save writes one raw record and, when it is new, enqueues its ETL job.
func (p *Pipeline) save(source, id, hsCode, date string, payload any, jobType string) (bool, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encoding %s record %s: %w", source, id, err)
	}
	created, err := p.store.SaveTradeRecord(storage.TradeRecord{
		ID:          id,
		Source:      source,
		HSCode:      hsCode,
		RecordDate:  date,
		PayloadJSON: string(b),
	})
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	metrics.RecordsIngestedTotal.WithLabelValues(source).Inc()

	jp, _ := json.Marshal(RecordPayload{RecordID: id})
	if err := p.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(jp),
	}); err != nil {
		return true, fmt.Errorf("enqueueing ETL job for %s: %w", id, err)
	}
	return true, nil
}
