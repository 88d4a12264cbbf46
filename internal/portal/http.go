package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

const (
	searchPath = "/S2BNVendor/S2B/srcweb/remu/rema/rema100_list_new.jsp"
	itemPath   = "/S2BNVendor/rema100.do"
	mainPath   = "/S2BNVendor/vendorMain.do"
)

// HTTPOptions configures the light strategy.
type HTTPOptions struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	RequestsPerSec float64
	PageSize       int
	WindowDays     int
	FetchRetries   int
	Location       *time.Location
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// HTTPClient replays captured portal cookies over plain HTTP.
// It is used by one run at a time.
type HTTPClient struct {
	opts    HTTPOptions
	base    *url.URL
	jar     *cookiejar.Jar
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	details map[string]listingDetail
}

// NewHTTPClient creates a light-strategy client with an empty cookie jar.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		opts:    opts,
		base:    base,
		jar:     jar,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		logger:  logger.With("component", "portal_http"),
		details: make(map[string]listingDetail),
	}, nil
}

// SetCookies seeds the jar with cookies captured by an interactive login.
func (c *HTTPClient) SetCookies(cookies []models.PortalCookie) {
	byHost := make(map[string][]*http.Cookie)
	for _, pc := range cookies {
		host := strings.TrimPrefix(pc.Domain, ".")
		if host == "" {
			host = c.base.Host
		}
		hc := &http.Cookie{
			Name:     pc.Name,
			Value:    pc.Value,
			Path:     pc.Path,
			HttpOnly: pc.HTTPOnly,
			Secure:   pc.Secure,
		}
		if strings.HasPrefix(pc.Domain, ".") {
			hc.Domain = pc.Domain
		}
		if pc.Expires > 0 {
			hc.Expires = time.Unix(int64(pc.Expires), 0)
		}
		byHost[host] = append(byHost[host], hc)
	}
	for host, hcs := range byHost {
		c.jar.SetCookies(&url.URL{Scheme: c.base.Scheme, Host: host, Path: "/"}, hcs)
	}
}

// Login is a no-op for the light strategy; cookies come from SetCookies.
func (c *HTTPClient) Login(context.Context) error {
	return nil
}

// ListEligible fetches one search page. The page token is the start index.
func (c *HTTPClient) ListEligible(ctx context.Context, pageToken string) ([]string, string, error) {
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid page token %q", pageToken)
		}
		start = n
	}

	params := c.searchParams()
	params.Set("searchOk", "Y")
	params.Set("startIndex", strconv.Itoa(start))

	body, err := c.fetch(ctx, "search", c.endpoint(searchPath, params), c.endpoint(mainPath, nil))
	if err != nil {
		return nil, "", err
	}
	page, err := parseSearchPage(body)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if start+c.opts.PageSize < page.Total {
		next = strconv.Itoa(start + c.opts.PageSize)
	}
	c.logger.Debug("search page fetched", "start", start, "total", page.Total, "ids", len(page.IDs))
	return page.IDs, next, nil
}

// GetPrice loads the listing detail form and returns its current price.
func (c *HTTPClient) GetPrice(ctx context.Context, id string) (int64, error) {
	d, err := c.loadDetail(ctx, id)
	if err != nil {
		return 0, err
	}
	return d.Price, nil
}

// UpdatePrice submits the detail form with newPrice.
func (c *HTTPClient) UpdatePrice(ctx context.Context, id string, newPrice int64) error {
	c.mu.Lock()
	d, ok := c.details[id]
	c.mu.Unlock()
	if !ok {
		var err error
		if d, err = c.loadDetail(ctx, id); err != nil {
			return err
		}
	}

	form := c.searchParams()
	form.Set("forwardName", "update")
	form.Set("f_re_estimate_code", id)
	for k, v := range d.Fields {
		form.Set(k, v)
	}
	form.Set("f_estimate_amt", strconv.FormatInt(newPrice, 10))

	if _, err := c.submit(ctx, "update_price", form, c.detailURL(id)); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.details, id)
	c.mu.Unlock()
	return nil
}

// ExtendDeadline posts the deadline-extension form for a listing.
func (c *HTTPClient) ExtendDeadline(ctx context.Context, id string) error {
	form := c.searchParams()
	form.Set("forwardName", "limitDateUpdate")
	form.Set("f_re_estimate_code", id)
	_, err := c.submit(ctx, "extend_deadline", form, c.detailURL(id))
	return err
}

func (c *HTTPClient) loadDetail(ctx context.Context, id string) (listingDetail, error) {
	body, err := c.fetch(ctx, "detail", c.detailURL(id), c.endpoint(searchPath, nil))
	if err != nil {
		return listingDetail{}, err
	}
	d, err := parseDetail(id, body)
	if err != nil {
		return listingDetail{}, fmt.Errorf("listing %s: %w", id, err)
	}
	c.mu.Lock()
	c.details[id] = d
	c.mu.Unlock()
	return d, nil
}

// searchParams returns the list filter the portal expects on every listing request.
func (c *HTTPClient) searchParams() url.Values {
	today := c.now().In(c.opts.Location)
	window := c.opts.WindowDays
	if window <= 0 {
		window = 14
	}
	v := url.Values{}
	v.Set("tgruStatus", "")
	v.Set("toggleGbn", "2")
	v.Set("search_query", "")
	v.Set("search_date", "LIMIT_DATE")
	v.Set("search_date_start", today.Format("20060102"))
	v.Set("search_date_end", today.AddDate(0, 0, window).Format("20060102"))
	v.Set("viewCount", strconv.Itoa(c.opts.PageSize))
	return v
}

func (c *HTTPClient) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *HTTPClient) detailURL(id string) string {
	q := c.searchParams()
	q.Set("forwardName", "detail")
	q.Set("f_re_estimate_code", id)
	q.Set("startIndex", "0")
	return c.endpoint(itemPath, q)
}

// fetch performs a GET, retrying transport failures with exponential backoff.
// Session expiry and parse failures are never retried.
func (c *HTTPClient) fetch(ctx context.Context, op, target, referer string) ([]byte, error) {
	var body []byte
	operation := func() error {
		b, err := c.do(ctx, op, http.MethodGet, target, nil, referer)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debug("portal fetch failed, retrying", "operation", op, "error", err)
			return err
		}
		body = b
		return nil
	}

	retries := c.opts.FetchRetries
	if retries < 0 {
		retries = 0
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = c.opts.RequestTimeout * time.Duration(retries+1)
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// submit performs a form POST. Mutations are not retried.
func (c *HTTPClient) submit(ctx context.Context, op string, form url.Values, referer string) ([]byte, error) {
	data := make(map[string]string, len(form))
	for k := range form {
		data[k] = form.Get(k)
	}
	return c.do(ctx, op, http.MethodPost, c.endpoint(itemPath, nil), data, referer)
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, form map[string]string, referer string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	col := colly.NewCollector(
		colly.UserAgent(c.opts.UserAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	col.SetRequestTimeout(c.opts.RequestTimeout)
	col.SetCookieJar(c.jar)

	col.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})

	var (
		body     []byte
		finalURL string
		status   int
	)
	col.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
		finalURL = r.Request.URL.String()
	})

	var err error
	if method == http.MethodPost {
		err = col.Post(target, form)
	} else {
		err = col.Visit(target)
	}
	if err == nil && isLoginPage(finalURL, body) {
		err = ErrSessionExpired
	}
	if err == nil && status >= 400 {
		err = fmt.Errorf("portal returned status %d", status)
	}
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		err = fmt.Errorf("%s request failed: %w", op, err)
	}

	c.opts.Metrics.ObservePortalRequest(op, start, err)
	return body, err
}
