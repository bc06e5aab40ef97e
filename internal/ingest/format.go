package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tradewatch/tradewatch/internal/providers"
	"github.com/tradewatch/tradewatch/internal/storage"
)

// maxChunkChars bounds one document chunk.
const maxChunkChars = 1500

// Chunk is one piece of text to embed, with the metadata stored next to its
// vector and used by query filters.
type Chunk struct {
	Text     string
	Metadata map[string]any
}

// FormatRecord turns a stored raw record into its text chunks.
func FormatRecord(rec storage.TradeRecord) ([]Chunk, error) {
	switch rec.Source {
	case providers.SourceComtrade:
		var r providers.ComtradeRecord
		if err := json.Unmarshal([]byte(rec.PayloadJSON), &r); err != nil {
			return nil, fmt.Errorf("decoding comtrade record: %w", err)
		}
		return []Chunk{FormatComtrade(r)}, nil
	case providers.SourceBOL:
		var s providers.Shipment
		if err := json.Unmarshal([]byte(rec.PayloadJSON), &s); err != nil {
			return nil, fmt.Errorf("decoding shipment: %w", err)
		}
		if s == nil {
			s = providers.Shipment{}
		}
		return []Chunk{FormatShipment(s)}, nil
	case providers.SourceDocument:
		var d providers.DocumentPayload
		if err := json.Unmarshal([]byte(rec.PayloadJSON), &d); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		return FormatDocument(d), nil
	}
	return nil, fmt.Errorf("unknown record source %q", rec.Source)
}

// FormatComtrade describes a monthly trade statistic in one sentence pair.
func FormatComtrade(r providers.ComtradeRecord) Chunk {
	period := string(r.Period)
	year, month := "Unknown", "Unknown"
	if len(period) >= 4 {
		year = period[:4]
	}
	if len(period) >= 6 {
		month = period[4:]
	}
	reporter := orDefault(r.ReporterDesc, "Unknown Country")
	partner := orDefault(r.PartnerDesc, "World")
	hsCode := orDefault(string(r.CmdCode), "Unknown")
	desc := orDefault(r.CmdDesc, "Unknown Product")
	unit := orDefault(r.QtyUnitAbbr, "units")
	flow := orDefault(r.FlowDesc, "Import")

	text := fmt.Sprintf("Trade Statistics Update: In %s/%s, %s's %ss of %s (HS Code: %s) from %s totaled $%s. The quantity was %s %s.",
		month, year, reporter, strings.ToLower(flow), desc, hsCode, partner,
		humanize.Comma(int64(math.Round(r.PrimaryValue))),
		humanize.Comma(int64(math.Round(r.Qty))), unit)

	return Chunk{
		Text: text,
		Metadata: map[string]any{
			"source":           providers.SourceComtrade,
			"date":             year + "-" + month + "-01",
			"hs_code":          hsCode,
			"reporter_country": reporter,
			"partner_country":  partner,
			"trade_value_usd":  r.PrimaryValue,
			"quantity":         r.Qty,
			"flow":             flow,
			"period":           period,
		},
	}
}

// FormatShipment describes a bill-of-lading record. Field names differ
// between providers, so each value has fallbacks.
func FormatShipment(s providers.Shipment) Chunk {
	date := orDefault(s.Field("shipment_date", "date"), "Unknown Date")
	buyer := orDefault(s.Field("buyer", "consignee"), "Unknown Buyer")
	supplier := orDefault(s.Field("supplier", "shipper"), "Unknown Supplier")
	hsCode := orDefault(s.Field("hs_code", "hscode"), "Unknown")
	desc := orDefault(s.Field("product_description", "description"), "Unknown Product")
	quantity := orDefault(s.Field("quantity", "qty"), "0")
	weight := orDefault(s.Field("weight_kg", "weight"), "0")
	origin := orDefault(s.Field("origin_country", "country_of_origin"), "Unknown")
	dest := orDefault(s.Field("destination_country", "country_of_destination"), "Unknown")
	loading := orDefault(s.Field("port_of_loading"), "Unknown Port")
	discharge := orDefault(s.Field("port_of_discharge"), "Unknown Port")

	text := fmt.Sprintf("New Shipment: On %s, '%s' (in %s) received a shipment of %s (HS Code: %s) from '%s' (in %s). "+
		"The shipment contained %s units weighing %skg, shipped from %s to %s.",
		date, buyer, dest, desc, hsCode, supplier, origin, quantity, weight, loading, discharge)

	return Chunk{
		Text: text,
		Metadata: map[string]any{
			"source":              providers.SourceBOL,
			"date":                date,
			"hs_code":             hsCode,
			"buyer":               buyer,
			"supplier":            supplier,
			"origin_country":      origin,
			"destination_country": dest,
			"quantity":            parseNumber(quantity),
			"weight_kg":           parseNumber(weight),
			"port_of_loading":     loading,
			"port_of_discharge":   discharge,
		},
	}
}

// FormatDocument splits a document into chunks of whole lines. Each chunk is
// prefixed with the document title so it stands on its own in a prompt.
func FormatDocument(d providers.DocumentPayload) []Chunk {
	title := orDefault(d.Title, d.Origin)
	header := fmt.Sprintf("Document %q: ", title)

	var chunks []Chunk
	for i, part := range splitLines(d.Text, maxChunkChars) {
		chunks = append(chunks, Chunk{
			Text: header + part,
			Metadata: map[string]any{
				"source": providers.SourceDocument,
				"title":  title,
				"origin": d.Origin,
				"date":   d.Date,
				"part":   i + 1,
			},
		})
	}
	return chunks
}

// splitLines packs lines into pieces of at most max bytes. Longer lines are
// cut at a space when one exists.
func splitLines(text string, max int) []string {
	var parts []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > max {
			cut := strings.LastIndexByte(line[:max], ' ')
			if cut <= 0 {
				cut = max
			}
			flush()
			parts = append(parts, strings.TrimSpace(line[:cut]))
			line = strings.TrimSpace(line[cut:])
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return parts
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return f
}
