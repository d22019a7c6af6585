package observer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"citewatch/internal/types"
)

// Defaults match the citation summary table of a scholar profile page.
const (
	DefaultTableID   = "gsc_rsb_st"
	DefaultCellClass = "gsc_rsb_std"
	defaultTimeout   = 30 * time.Second
	maxPageSize      = 8 << 20
)

// HTTPDoer is satisfied by *http.Client and external.BaseClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PageObserverConfig configures a PageObserver.
type PageObserverConfig struct {
	URL       string
	TableID   string
	CellClass string
	Timeout   time.Duration
	Client    HTTPDoer
	Logger    *slog.Logger
}

// PageObserver reads the first matching cell of a table on a web page. The
// fetched page itself is kept as the evidence artifact.
type PageObserver struct {
	url       string
	tableID   string
	cellClass string
	timeout   time.Duration
	client    HTTPDoer
	logger    *slog.Logger
}

// NewPageObserver creates a PageObserver, filling unset fields with defaults.
func NewPageObserver(cfg PageObserverConfig) *PageObserver {
	if cfg.TableID == "" {
		cfg.TableID = DefaultTableID
	}
	if cfg.CellClass == "" {
		cfg.CellClass = DefaultCellClass
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PageObserver{
		url:       cfg.URL,
		tableID:   cfg.TableID,
		cellClass: cfg.CellClass,
		timeout:   cfg.Timeout,
		client:    cfg.Client,
		logger:    cfg.Logger,
	}
}

// Observe fetches the page and extracts the value.
func (o *PageObserver) Observe(ctx context.Context) (Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return Observation{}, observeError("invalid target URL", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := o.client.Do(req)
	if err != nil {
		return Observation{}, observeError("failed to fetch target page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Observation{}, observeError(fmt.Sprintf("target page returned %d", resp.StatusCode), nil)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return Observation{}, observeError("failed to read target page", err)
	}

	value, err := ExtractValue(bytes.NewReader(page), o.tableID, o.cellClass)
	if err != nil {
		return Observation{}, observeError("value not found on target page", err)
	}

	o.logger.Debug("observed value", "value", value, "bytes", len(page))
	return Observation{
		Value:     value,
		Artifact:  page,
		MediaType: "text",
		SubType:   "html",
		Ext:       "html",
	}, nil
}

// ExtractValue parses an HTML document and returns the integer in the first
// element carrying cellClass inside the element with id tableID.
func ExtractValue(r io.Reader, tableID, cellClass string) (int64, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return 0, fmt.Errorf("parsing html: %w", err)
	}

	table := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, "id") == tableID
	})
	if table == nil {
		return 0, fmt.Errorf("element #%s not found", tableID)
	}

	cell := findNode(table, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, cellClass)
	})
	if cell == nil {
		return 0, fmt.Errorf("element .%s not found inside #%s", cellClass, tableID)
	}

	text := strings.TrimSpace(textContent(cell))
	text = strings.NewReplacer(",", "", ".", "", " ", "", "\u00a0", "").Replace(text)
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cell text %q is not an integer: %w", text, err)
	}
	return v, nil
}

func observeError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeUpstreamObserve, msg, err)
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
