package sec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/brunobiangulo/finsight/errs"
)

const (
	defaultTickerIndexURL = "https://www.sec.gov/files/company_tickers.json"
	defaultSubmissionsURL = "https://data.sec.gov/submissions/CIK%010d.json"
	defaultArchiveURL     = "https://www.sec.gov/Archives/edgar/data/%d/%s/%s"

	edgarAttempts  = 3
	edgarBaseWait  = 2 * time.Second
	edgarMaxWait   = 15 * time.Second
	edgarRateLimit = 150 * time.Millisecond
)

// supportedForms are the EDGAR form types the pipeline ingests.
var supportedForms = map[string]bool{
	"10-K": true,
	"10-Q": true,
	"8-K":  true,
}

// Filing identifies one filing in a company's EDGAR submission index.
type Filing struct {
	CIK             int64  `json:"cik"`
	AccessionNumber string `json:"accession_number"`
	Form            string `json:"form"`
	FilingDate      string `json:"filing_date"`
	PrimaryDocument string `json:"primary_document"`
	CompanyName     string `json:"company_name"`
	Ticker          string `json:"ticker"`
}

// DownloadedFiling is a fetched filing ready for parsing.
type DownloadedFiling struct {
	Metadata FilingMetadata `json:"metadata"`
	Content  string         `json:"content"`
}

// Client talks to SEC EDGAR. The SEC requires a descriptive User-Agent
// with contact information on every request.
type Client struct {
	http      *http.Client
	userAgent string

	tickerIndexURL string
	submissionsURL string // format: CIK as %010d
	archiveURL     string // format: CIK, accession (no dashes), document

	mu         sync.Mutex
	lastFetch  time.Time
	tickerCIKs map[string]tickerEntry
}

type tickerEntry struct {
	CIK  int64  `json:"cik_str"`
	Name string `json:"title"`
	Sym  string `json:"ticker"`
}

// NewClient creates an EDGAR client. userAgent must identify the
// caller, e.g. "finsight admin@example.com".
func NewClient(userAgent string) *Client {
	return &Client{
		http:           &http.Client{Timeout: 60 * time.Second},
		userAgent:      userAgent,
		tickerIndexURL: defaultTickerIndexURL,
		submissionsURL: defaultSubmissionsURL,
		archiveURL:     defaultArchiveURL,
	}
}

// LookupCIK resolves a ticker symbol to its SEC Central Index Key.
// The ticker index is fetched once and cached for the client lifetime.
func (c *Client) LookupCIK(ctx context.Context, ticker string) (int64, string, error) {
	c.mu.Lock()
	index := c.tickerCIKs
	c.mu.Unlock()

	if index == nil {
		body, err := c.get(ctx, c.tickerIndexURL)
		if err != nil {
			return 0, "", errs.Wrap(errs.CodeDocumentProcessing, "fetch ticker index", err)
		}
		var raw map[string]tickerEntry
		if err := json.Unmarshal(body, &raw); err != nil {
			return 0, "", errs.Wrap(errs.CodeDocumentProcessing, "decode ticker index", err)
		}
		index = make(map[string]tickerEntry, len(raw))
		for _, e := range raw {
			index[strings.ToUpper(e.Sym)] = e
		}
		c.mu.Lock()
		c.tickerCIKs = index
		c.mu.Unlock()
	}

	entry, ok := index[strings.ToUpper(ticker)]
	if !ok {
		return 0, "", errs.Newf(errs.CodeInvalidRequest, "unknown ticker %q", ticker)
	}
	return entry.CIK, entry.Name, nil
}

// RecentFilings lists the most recent filings of the given form type.
func (c *Client) RecentFilings(ctx context.Context, ticker, formType string, limit int) ([]Filing, error) {
	if !supportedForms[formType] {
		return nil, errs.Newf(errs.CodeInvalidRequest,
			"unsupported filing type %q, supported: 10-K, 10-Q, 8-K", formType)
	}
	if limit <= 0 {
		limit = 1
	}

	cik, companyName, err := c.LookupCIK(ctx, ticker)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, fmt.Sprintf(c.submissionsURL, cik))
	if err != nil {
		return nil, errs.Wrap(errs.CodeDocumentProcessing, "fetch submissions index", err)
	}

	var submissions struct {
		Filings struct {
			Recent struct {
				AccessionNumber []string `json:"accessionNumber"`
				Form            []string `json:"form"`
				FilingDate      []string `json:"filingDate"`
				PrimaryDocument []string `json:"primaryDocument"`
			} `json:"recent"`
		} `json:"filings"`
	}
	if err := json.Unmarshal(body, &submissions); err != nil {
		return nil, errs.Wrap(errs.CodeDocumentProcessing, "decode submissions index", err)
	}

	recent := submissions.Filings.Recent
	// The recent block is a set of parallel arrays indexed together.
	// Clamp iteration to the shortest so a truncated feed cannot push
	// an index past a sibling array.
	n := len(recent.Form)
	for _, l := range []int{len(recent.AccessionNumber), len(recent.FilingDate), len(recent.PrimaryDocument)} {
		if l < n {
			n = l
		}
	}
	var filings []Filing
	for i := 0; i < n; i++ {
		if recent.Form[i] != formType {
			continue
		}
		filings = append(filings, Filing{
			CIK:             cik,
			AccessionNumber: recent.AccessionNumber[i],
			Form:            recent.Form[i],
			FilingDate:      recent.FilingDate[i],
			PrimaryDocument: recent.PrimaryDocument[i],
			CompanyName:     companyName,
			Ticker:          strings.ToUpper(ticker),
		})
		if len(filings) == limit {
			break
		}
	}

	if len(filings) == 0 {
		return nil, errs.Newf(errs.CodeDocumentProcessing,
			"no %s filings found for %s", formType, strings.ToUpper(ticker))
	}
	return filings, nil
}

// FetchDocument downloads the primary document of a filing.
func (c *Client) FetchDocument(ctx context.Context, f Filing) (string, error) {
	accession := strings.ReplaceAll(f.AccessionNumber, "-", "")
	url := fmt.Sprintf(c.archiveURL, f.CIK, accession, f.PrimaryDocument)

	body, err := c.get(ctx, url)
	if err != nil {
		return "", errs.Wrap(errs.CodeDocumentProcessing, "fetch filing document", err)
	}
	return string(body), nil
}

// DownloadFilings fetches the n most recent filings of the given form
// type for a ticker, ready to parse and ingest.
func (c *Client) DownloadFilings(ctx context.Context, ticker, formType string, n int) ([]DownloadedFiling, error) {
	filings, err := c.RecentFilings(ctx, ticker, formType, n)
	if err != nil {
		return nil, err
	}

	slog.Info("sec: downloading filings",
		"ticker", strings.ToUpper(ticker),
		"form", formType,
		"count", len(filings))

	downloaded := make([]DownloadedFiling, 0, len(filings))
	for _, f := range filings {
		content, err := c.FetchDocument(ctx, f)
		if err != nil {
			slog.Warn("sec: filing fetch failed",
				"ticker", f.Ticker,
				"accession", f.AccessionNumber,
				"error", err)
			continue
		}
		downloaded = append(downloaded, DownloadedFiling{
			Metadata: FilingMetadata{
				CompanyName: f.CompanyName,
				Ticker:      f.Ticker,
				FilingType:  f.Form,
				FilingDate:  f.FilingDate,
				SourceURL:   fmt.Sprintf(c.archiveURL, f.CIK, strings.ReplaceAll(f.AccessionNumber, "-", ""), f.PrimaryDocument),
			},
			Content: content,
		})
	}

	if len(downloaded) == 0 {
		return nil, errs.Newf(errs.CodeDocumentProcessing,
			"all %s downloads failed for %s", formType, strings.ToUpper(ticker))
	}
	return downloaded, nil
}

// get issues a GET with the mandatory User-Agent, EDGAR's fair-access
// pacing, and bounded retries on transient failures.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	c.pace()

	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", c.userAgent)

			resp, err := c.http.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, retry.Unrecoverable(ctx.Err())
				}
				return nil, fmt.Errorf("request to %s failed: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("reading response body: %w", err)
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				return body, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return nil, fmt.Errorf("EDGAR returned %d for %s", resp.StatusCode, url)
			default:
				return nil, retry.Unrecoverable(fmt.Errorf("EDGAR returned %d for %s", resp.StatusCode, url))
			}
		},
		retry.Context(ctx),
		retry.Attempts(edgarAttempts),
		retry.Delay(edgarBaseWait),
		retry.MaxDelay(edgarMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("sec: retrying request", "url", url, "attempt", n+1, "error", err)
		}),
	)
}

// pace spaces requests out to respect EDGAR's fair access policy.
func (c *Client) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if since := time.Since(c.lastFetch); since < edgarRateLimit {
		time.Sleep(edgarRateLimit - since)
	}
	c.lastFetch = time.Now()
}
