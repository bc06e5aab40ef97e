package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ComtradeBaseURL is the Comtrade data API root.
	ComtradeBaseURL = "https://comtradeapi.un.org/data/v1/get"
	// ComtradeRateLimit is the default request rate, per second.
	ComtradeRateLimit = 1.0
	// comtradeLookback covers the reporting lag of monthly statistics.
	comtradeLookback = 90 * 24 * time.Hour
)

// ComtradeRecord is one monthly trade statistic.
type ComtradeRecord struct {
	Period       Text    `json:"period"`
	ReporterCode Text    `json:"reporterCode"`
	ReporterDesc string  `json:"reporterDesc"`
	PartnerCode  Text    `json:"partnerCode"`
	PartnerDesc  string  `json:"partnerDesc"`
	FlowCode     string  `json:"flowCode"`
	FlowDesc     string  `json:"flowDesc"`
	CmdCode      Text    `json:"cmdCode"`
	CmdDesc      string  `json:"cmdDesc"`
	PrimaryValue float64 `json:"primaryValue"`
	Qty          float64 `json:"qty"`
	QtyUnitAbbr  string  `json:"qtyUnitAbbr"`
}

// Key identifies the statistic across fetches.
func (r ComtradeRecord) Key() string {
	return strings.Join([]string{"comtrade", string(r.CmdCode), string(r.Period),
		string(r.ReporterCode), string(r.PartnerCode), r.FlowCode}, ":")
}

// Text is a JSON string that also accepts a bare number, which Comtrade uses
// for periods and codes.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

// ComtradeClient fetches monthly import statistics.
type ComtradeClient struct {
	apiKey  string
	opts    options
	limiter *rate.Limiter
}

// NewComtradeClient creates a client using apiKey as subscription key.
func NewComtradeClient(apiKey string, opts ...Option) *ComtradeClient {
	o := buildOptions(ComtradeBaseURL, ComtradeRateLimit, opts)
	return &ComtradeClient{apiKey: apiKey, opts: o, limiter: newLimiter(o.limit)}
}

type comtradeResponse struct {
	Data []ComtradeRecord `json:"data"`
}

// FetchMonthlyStats returns the monthly import records for hsCode over the
// months from 90 days before now up to now, for all reporters and partners.
func (c *ComtradeClient) FetchMonthlyStats(ctx context.Context, hsCode string, now time.Time) ([]ComtradeRecord, error) {
	q := url.Values{}
	q.Set("period", strings.Join(periods(now.Add(-comtradeLookback), now), ","))
	q.Set("reporterCode", "all")
	q.Set("cmdCode", hsCode)
	q.Set("flowCode", "M")
	q.Set("partnerCode", "all")
	q.Set("partner2Code", "0")

	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	}

	c.opts.logger.Info("fetching Comtrade data", "hs_code", hsCode)
	body, err := getJSON(ctx, c.opts.httpClient, c.limiter, "comtrade", c.opts.baseURL+"/C/M/HS", q, h)
	if err != nil {
		return nil, err
	}
	var out comtradeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding comtrade response: %w", err)
	}
	if len(out.Data) == 0 {
		c.opts.logger.Warn("no Comtrade data returned", "hs_code", hsCode)
	}
	return out.Data, nil
}

// periods lists the YYYYMM months from from to to, inclusive.
func periods(from, to time.Time) []string {
	from = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []string
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format("200601"))
	}
	return out
}
