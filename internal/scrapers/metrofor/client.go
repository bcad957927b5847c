// client.go holds the HTTP side of the scraper: session bootstrap and the two form submissions
// against /horarios. Everything that reads markup lives in parse.go.

package metrofor

import (
	"context"
	"fmt"
	"metrobot-backend/internal/components/assert"
	"metrobot-backend/internal/components/chrono"
	"metrobot-backend/internal/components/telemetry"
	"metrobot-backend/lib/restyutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("metrobot/metrofor")

const (
	report_client_ensure_session = "client.ensure-session"
	report_client_stations       = "client.stations"
	report_client_schedule       = "client.schedule"
)

// operation names carried by TransportError and ParseError
const (
	OpEnsureSession = "ensure-session"
	OpListStations  = "list-stations"
	OpGetSchedule   = "get-schedule"
)

const (
	DefaultBaseUrl           = "https://info.metrofor.ce.gov.br"
	DefaultLinePk            = "1"
	DefaultTimeout           = time.Second * 15
	DefaultRequestsPerSecond = 2
	DefaultUserAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

	schedulePath = "/horarios"
	// placeholder option value, submitting it for both stations returns the station form
	unselectedStation = "0"
	sessionFlightKey  = "session"
)

type ClientOptions struct {
	BaseUrl string
	// the line whose stations and schedules are queried, "1" is LINHA SUL
	LinePk  string
	Timeout time.Duration
	// 0 disables rate limiting
	RequestsPerSecond float64
	CloudflareBypass  bool
	UserAgent         string

	// both default to a fresh cache in DefaultSessionTTL and the standard clock
	Cache *SessionCache
	Clock chrono.API

	// when set, every exchange with the site is written here
	Dump restyutil.Output
}

type Client struct {
	baseUrl *url.URL
	referer string
	linePk  string
	http    *resty.Client
	cache   *SessionCache
	chrono  chrono.API
	flight  *singleflight.Group

	tel telemetry.API
}

func NewClient(opts ClientOptions, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("metrofor_scraper", tel)

	if opts.BaseUrl == "" {
		opts.BaseUrl = DefaultBaseUrl
	}
	if opts.LinePk == "" {
		opts.LinePk = DefaultLinePk
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Clock == nil {
		clock, err := chrono.NewStandardImpl(chrono.DefaultLocation)
		if err != nil {
			return nil, err
		}
		opts.Clock = clock
	}
	if opts.Cache == nil {
		opts.Cache = NewSessionCache(opts.Clock, DefaultSessionTTL)
	}

	referer := strings.TrimRight(opts.BaseUrl, "/")
	parsedBaseUrl, err := url.Parse(referer)
	if err != nil {
		return nil, err
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", opts.BaseUrl)
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(referer)
	// cookies are replayed by hand from the cached session, a jar would mix sessions
	httpClient.SetCookieJar(nil)
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(parsedBaseUrl.Hostname()))
	httpClient.SetTimeout(opts.Timeout)

	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel)
	if opts.Dump != nil {
		restyutil.DumpExchanges(httpClient, opts.Dump)
	}

	c := &Client{
		baseUrl: parsedBaseUrl,
		referer: referer,
		linePk:  opts.LinePk,
		http:    httpClient,
		cache:   opts.Cache,
		chrono:  opts.Clock,
		flight:  &singleflight.Group{},
		tel:     tel,
	}
	return c, nil
}

func (c *Client) BaseUrl() *url.URL {
	return c.baseUrl
}

// Cache is the session cache this client reads and writes.
func (c *Client) Cache() *SessionCache {
	return c.cache
}

type lease struct {
	session         Session
	cookiesExpireAt time.Time
	// true when the session was bootstrapped for this call instead of read from the cache
	fresh bool
}

// joinCookies turns Set-Cookie entries into a Cookie header value, keeping only name=value.
// It also returns the earliest expiry among the cookies, zero if none advertised one.
func joinCookies(cookies []*http.Cookie, now time.Time) (string, time.Time) {
	var pairs []string
	var earliest time.Time

	for _, cookie := range cookies {
		if cookie.Name == "" {
			continue
		}

		var expiresAt time.Time
		switch {
		case cookie.MaxAge < 0:
			// Max-Age=0 or negative: the site is deleting this cookie
			continue
		case cookie.MaxAge > 0:
			expiresAt = now.Add(time.Duration(cookie.MaxAge) * time.Second)
		case !cookie.Expires.IsZero():
			expiresAt = cookie.Expires
		}
		if !expiresAt.IsZero() && !expiresAt.After(now) {
			continue
		}

		pairs = append(pairs, cookie.Name+"="+cookie.Value)
		if !expiresAt.IsZero() && (earliest.IsZero() || expiresAt.Before(earliest)) {
			earliest = expiresAt
		}
	}

	return strings.Join(pairs, "; "), earliest
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (c *Client) bootstrapSession(ctx context.Context) (l lease, err error) {
	ctx, span := tracer.Start(ctx, "bootstrapSession")
	defer func() {
		if err != nil {
			recordError(span, err)
		}
		span.End()
	}()

	c.tel.ReportDebug("bootstrap session", c.referer)

	res, err := c.http.R().
		SetContext(ctx).
		Get("/")
	if err != nil {
		c.tel.ReportBroken(
			report_client_ensure_session,
			fmt.Errorf("fetch site root: %w", err),
		)
		return lease{}, &TransportError{Op: OpEnsureSession, Err: err}
	}
	if !res.IsSuccess() {
		c.tel.ReportBroken(
			report_client_ensure_session,
			fmt.Errorf("fetch site root: status %d", res.StatusCode()),
		)
		return lease{}, &TransportError{Op: OpEnsureSession, StatusCode: res.StatusCode()}
	}

	token, ok := ParseCsrfToken(string(res.Body()))
	if !ok || token == "" {
		c.tel.ReportBroken(report_client_ensure_session, ErrCsrfTokenNotFound)
		return lease{}, &ParseError{Op: OpEnsureSession, Err: ErrCsrfTokenNotFound}
	}

	cookies, expiresAt := joinCookies(res.Cookies(), c.chrono.Now())
	if cookies == "" {
		c.tel.ReportBroken(report_client_ensure_session, ErrCookiesNotFound)
		return lease{}, &ParseError{Op: OpEnsureSession, Err: ErrCookiesNotFound}
	}

	return lease{
		session:         Session{CsrfToken: token, Cookies: cookies},
		cookiesExpireAt: expiresAt,
		fresh:           true,
	}, nil
}

func (c *Client) ensureSession(ctx context.Context) (lease, error) {
	cached, hit := c.cache.Get()
	if hit {
		return lease{
			session:         cached.Session,
			cookiesExpireAt: cached.CookiesExpireAt,
		}, nil
	}

	// concurrent misses share one bootstrap, which must not die with the first caller's ctx
	flightCtx := context.WithoutCancel(ctx)
	result := c.flight.DoChan(sessionFlightKey, func() (any, error) {
		return c.bootstrapSession(flightCtx)
	})

	select {
	case <-ctx.Done():
		return lease{}, &TransportError{Op: OpEnsureSession, Err: ctx.Err()}
	case res := <-result:
		if res.Err != nil {
			return lease{}, res.Err
		}
		return res.Val.(lease), nil
	}
}

// EnsureSession returns the cached session or bootstraps a new one from the site root. A
// bootstrapped session is not written to the cache, Stations and Schedule do that once the
// session has been accepted by the site.
func (c *Client) EnsureSession(ctx context.Context) (Session, error) {
	l, err := c.ensureSession(ctx)
	if err != nil {
		return Session{}, err
	}
	return l.session, nil
}

// InvalidateSession drops the cached session, the next call bootstraps a new one.
func (c *Client) InvalidateSession() {
	c.cache.Invalidate()
}

func (c *Client) submitScheduleForm(ctx context.Context, op string, l lease, origin, destination, dateTime string) (*resty.Response, error) {
	form := map[string]string{
		"csrfmiddlewaretoken": l.session.CsrfToken,
		"pk":                  c.linePk,
		"estacao_origem":      origin,
		"estacao_destino":     destination,
	}
	if dateTime != "" {
		form["dt_viagem"] = dateTime
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Referer", c.referer).
		SetHeader("Cookie", l.session.Cookies).
		SetFormData(form).
		Post(schedulePath)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if res.StatusCode() == http.StatusForbidden {
		// django answers a stale csrf token or cookie with 403
		c.tel.ReportWarning(op, "session rejected by site, invalidating")
		c.cache.invalidateSession(l.session)
	}
	if !res.IsSuccess() {
		return nil, &TransportError{Op: op, StatusCode: res.StatusCode()}
	}

	return res, nil
}

// Stations returns the stations of the configured line in the order the site lists them.
// A cached, non-empty station list is returned without touching the network.
func (c *Client) Stations(ctx context.Context) (stations []Station, err error) {
	ctx, span := tracer.Start(ctx, "Stations")
	defer func() {
		if err != nil {
			recordError(span, err)
		}
		span.End()
	}()

	cached, hit := c.cache.Get()
	span.SetAttributes(attribute.Bool("cache_hit", hit && len(cached.Stations) > 0))
	if hit && len(cached.Stations) > 0 {
		c.tel.ReportDebug("stations: cache hit", len(cached.Stations))
		return cached.Stations, nil
	}

	start := time.Now()

	l, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.submitScheduleForm(ctx, OpListStations, l, unselectedStation, unselectedStation, "")
	if err != nil {
		c.tel.ReportBroken(report_client_stations, err)
		return nil, err
	}

	stations = ParseStations(string(res.Body()))
	if len(stations) == 0 {
		err := &ParseError{Op: OpListStations, Err: ErrNoStationsFound}
		c.tel.ReportBroken(report_client_stations, err)
		return nil, err
	}

	c.cache.SetUntil(l.session, stations, l.cookiesExpireAt)

	c.tel.ReportCount(report_client_stations, int64(len(stations)))
	c.tel.ReportDebug("stations: fetched", len(stations), time.Since(start).String())

	return stations, nil
}

// Schedule asks the site for the next departures between two stations. dateTime is passed
// through as the trip date when non-empty (see FormatTripDateTime).
//
// found is false, with a nil error, when the site had no trip information for the pair,
// which is what happens for unknown or identical stations.
func (c *Client) Schedule(ctx context.Context, originID, destinationID, dateTime string) (info ScheduleInfo, found bool, err error) {
	ctx, span := tracer.Start(ctx, "Schedule", trace.WithAttributes(
		attribute.String("origin", originID),
		attribute.String("destination", destinationID),
	))
	defer func() {
		if err != nil {
			recordError(span, err)
		}
		span.SetAttributes(attribute.Bool("found", found))
		span.End()
	}()

	start := time.Now()

	l, err := c.ensureSession(ctx)
	if err != nil {
		return ScheduleInfo{}, false, err
	}

	res, err := c.submitScheduleForm(ctx, OpGetSchedule, l, originID, destinationID, dateTime)
	if err != nil {
		c.tel.ReportBroken(report_client_schedule, err, originID, destinationID)
		return ScheduleInfo{}, false, err
	}

	if l.fresh {
		c.cache.setIfEmpty(l.session, l.cookiesExpireAt)
	}

	info, found = ParseSchedule(string(res.Body()))
	if !found {
		c.tel.ReportWarning(report_client_schedule, "no trip information", originID, destinationID)
	}
	c.tel.ReportDebug(
		"schedule: fetched",
		originID,
		destinationID,
		found,
		time.Since(start).String(),
	)

	return info, found, nil
}
