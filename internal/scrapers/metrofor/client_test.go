package metrofor

import (
	"context"
	"errors"
	"metrobot-backend/internal/components/chrono"
	"metrobot-backend/internal/components/telemetry"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// fakeSite plays the part of the metrofor site: GET / hands out a token and cookies, POST
// /horarios answers with the station form or a schedule.
type fakeSite struct {
	mutex sync.Mutex

	rootBody     string
	rootStatus   int
	rootDelay    time.Duration
	cookies      []*http.Cookie
	postStatus   int
	stationBody  string
	scheduleBody string
	// runs after a POST is recorded and before it is answered
	onPost func()

	rootHits int
	postHits int
	forms    []url.Values
	headers  []http.Header
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		rootBody:   homePage,
		rootStatus: http.StatusOK,
		cookies: []*http.Cookie{
			{Name: "csrftoken", Value: "abc", Path: "/"},
			{Name: "sessionid", Value: "xyz", Path: "/", HttpOnly: true},
		},
		postStatus:   http.StatusOK,
		stationBody:  stationsPage,
		scheduleBody: scheduleNextPage,
	}
}

func (s *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		s.mutex.Lock()
		s.rootHits++
		delay, status, body, cookies := s.rootDelay, s.rootStatus, s.rootBody, s.cookies
		s.mutex.Unlock()

		time.Sleep(delay)
		for _, cookie := range cookies {
			http.SetCookie(w, cookie)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))

	case r.Method == http.MethodPost && r.URL.Path == schedulePath:
		err := r.ParseForm()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mutex.Lock()
		s.postHits++
		s.forms = append(s.forms, r.PostForm)
		s.headers = append(s.headers, r.Header.Clone())
		status, body, onPost := s.postStatus, s.scheduleBody, s.onPost
		if r.PostForm.Get("estacao_origem") == "0" && r.PostForm.Get("estacao_destino") == "0" {
			body = s.stationBody
		}
		s.mutex.Unlock()

		if onPost != nil {
			onPost()
		}

		w.WriteHeader(status)
		w.Write([]byte(body))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeSite) hits() (root int, post int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rootHits, s.postHits
}

var clientEpoch = time.Date(2024, time.May, 10, 19, 40, 0, 0, time.UTC)

type clientFixture struct {
	site   *fakeSite
	server *httptest.Server
	clock  *chrono.ManualImpl
	cache  *SessionCache
	client *Client
}

func newClientFixture(t *testing.T, site *fakeSite, timeout time.Duration) clientFixture {
	t.Helper()

	server := httptest.NewServer(site)
	t.Cleanup(server.Close)

	clock := chrono.NewManualImpl(clientEpoch)
	cache := NewSessionCache(clock, DefaultSessionTTL)
	client, err := NewClient(ClientOptions{
		BaseUrl: server.URL,
		Timeout: timeout,
		Cache:   cache,
		Clock:   clock,
	}, telemetry.SlogAPI{})
	if err != nil {
		t.Fatal(err)
	}

	return clientFixture{
		site:   site,
		server: server,
		clock:  clock,
		cache:  cache,
		client: client,
	}
}

var cachedStations = []Station{
	{ID: "1", Name: "CARLITO BENEVIDES"},
	{ID: "2", Name: "JEREISSATI"},
}

func TestClientFullFlow(t *testing.T) {
	f := newClientFixture(t, newFakeSite(), time.Second)
	ctx := context.Background()

	stations, err := f.client.Stations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, stations, 18)
	require.Equal(t, Station{ID: "1", Name: "CARLITO BENEVIDES"}, stations[0])

	root, post := f.site.hits()
	require.Equal(t, 1, root)
	require.Equal(t, 1, post)

	form := f.site.forms[0]
	require.Equal(t, homeToken, form.Get("csrfmiddlewaretoken"))
	require.Equal(t, DefaultLinePk, form.Get("pk"))
	require.Equal(t, "0", form.Get("estacao_origem"))
	require.Equal(t, "0", form.Get("estacao_destino"))
	require.False(t, form.Has("dt_viagem"))

	headers := f.site.headers[0]
	require.Equal(t, "csrftoken=abc; sessionid=xyz", headers.Get("Cookie"))
	require.Equal(t, f.server.URL, headers.Get("Referer"))
	require.Contains(t, headers.Get("Content-Type"), "application/x-www-form-urlencoded")

	cached, ok := f.cache.Get()
	require.True(t, ok)
	require.Equal(t, Session{CsrfToken: homeToken, Cookies: "csrftoken=abc; sessionid=xyz"}, cached.Session)
	require.Equal(t, stations, cached.Stations)

	info, found, err := f.client.Schedule(ctx, "1", "5", "2024-05-10T19:40")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, found)
	expected := ScheduleInfo{
		Origin:                 "CARLITO BENEVIDES",
		Destination:            "PARANGABA",
		OriginEstimatedTime:    "19:43",
		DestinationArrivalTime: "20:01",
		EstimatedTripDuration:  "18 minutos",
		NumberOfStations:       9,
		NextSchedule1:          "20:05",
		NextSchedule2:          "20:27",
	}
	if diff := cmp.Diff(expected, info); diff != "" {
		t.Fatal(diff)
	}

	root, post = f.site.hits()
	require.Equal(t, 1, root, "the cached session is reused")
	require.Equal(t, 2, post)

	form = f.site.forms[1]
	require.Equal(t, homeToken, form.Get("csrfmiddlewaretoken"))
	require.Equal(t, "1", form.Get("estacao_origem"))
	require.Equal(t, "5", form.Get("estacao_destino"))
	require.Equal(t, "2024-05-10T19:40", form.Get("dt_viagem"))
	require.Equal(t, "csrftoken=abc; sessionid=xyz", f.site.headers[1].Get("Cookie"))
}

func TestClientStationsCacheHit(t *testing.T) {
	f := newClientFixture(t, newFakeSite(), time.Second)
	f.cache.Set(Session{CsrfToken: "token", Cookies: "a=1"}, cachedStations)

	stations, err := f.client.Stations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, cachedStations, stations)

	root, post := f.site.hits()
	require.Zero(t, root)
	require.Zero(t, post)
}

func TestClientSessionExpires(t *testing.T) {
	f := newClientFixture(t, newFakeSite(), time.Second)
	ctx := context.Background()

	_, err := f.client.Stations(ctx)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(DefaultSessionTTL)
	_, err = f.client.Stations(ctx)
	if err != nil {
		t.Fatal(err)
	}

	root, post := f.site.hits()
	require.Equal(t, 2, root)
	require.Equal(t, 2, post)
}

func TestClientHonoursCookieExpiry(t *testing.T) {
	site := newFakeSite()
	site.cookies = []*http.Cookie{
		{Name: "csrftoken", Value: "abc", MaxAge: 3600 * 24},
		{Name: "sessionid", Value: "xyz", MaxAge: 60},
		{Name: "messages", Value: "", MaxAge: -1},
	}
	f := newClientFixture(t, site, time.Second)

	_, err := f.client.Stations(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	cached, ok := f.cache.Get()
	require.True(t, ok)
	require.Equal(t, "csrftoken=abc; sessionid=xyz", cached.Cookies)
	require.Equal(t, clientEpoch.Add(time.Minute), cached.CookiesExpireAt)

	f.clock.Advance(time.Minute)
	_, ok = f.cache.Get()
	require.False(t, ok)
}

func TestClientServerError(t *testing.T) {
	site := newFakeSite()
	site.postStatus = http.StatusInternalServerError
	f := newClientFixture(t, site, time.Second)

	session := Session{CsrfToken: "token", Cookies: "a=1"}
	f.cache.Set(session, cachedStations)

	_, found, err := f.client.Schedule(context.Background(), "1", "2", "")
	require.False(t, found)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	require.Equal(t, OpGetSchedule, transportErr.Op)
	require.True(t, IsScrapeFailure(err))

	cached, ok := f.cache.Get()
	require.True(t, ok)
	require.Equal(t, session, cached.Session)
	require.Equal(t, cachedStations, cached.Stations)
}

func TestClientStationsServerError(t *testing.T) {
	site := newFakeSite()
	site.postStatus = http.StatusInternalServerError
	f := newClientFixture(t, site, time.Second)

	stations, err := f.client.Stations(context.Background())
	require.Nil(t, stations)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, OpListStations, transportErr.Op)

	_, ok := f.cache.Get()
	require.False(t, ok)
}

func TestClientForbiddenInvalidatesSession(t *testing.T) {
	site := newFakeSite()
	site.postStatus = http.StatusForbidden
	f := newClientFixture(t, site, time.Second)
	f.cache.Set(Session{CsrfToken: "stale", Cookies: "a=1"}, cachedStations)

	_, _, err := f.client.Schedule(context.Background(), "1", "2", "")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusForbidden, transportErr.StatusCode)

	_, ok := f.cache.Get()
	require.False(t, ok)

	root, post := f.site.hits()
	require.Zero(t, root, "a rejected session is not retried")
	require.Equal(t, 1, post)
}

func TestClientForbiddenKeepsNewerSession(t *testing.T) {
	site := newFakeSite()
	site.postStatus = http.StatusForbidden
	f := newClientFixture(t, site, time.Second)
	f.cache.Set(Session{CsrfToken: "stale", Cookies: "a=1"}, cachedStations)

	// another caller replaces the session while the rejected request is in flight
	newer := Session{CsrfToken: "newer", Cookies: "a=2"}
	site.onPost = func() {
		f.cache.Set(newer, cachedStations)
	}

	_, _, err := f.client.Schedule(context.Background(), "1", "2", "")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusForbidden, transportErr.StatusCode)

	cached, ok := f.cache.Get()
	require.True(t, ok)
	require.Equal(t, newer, cached.Session)
}

func TestClientBootstrapFailures(t *testing.T) {
	table := []struct {
		name     string
		modify   func(site *fakeSite)
		expected error
	}{
		{
			name: "missing token",
			modify: func(site *fakeSite) {
				site.rootBody = "<html><body>manutenção</body></html>"
			},
			expected: ErrCsrfTokenNotFound,
		},
		{
			name: "empty token",
			modify: func(site *fakeSite) {
				site.rootBody = `<input type="hidden" name="csrfmiddlewaretoken" value="">`
			},
			expected: ErrCsrfTokenNotFound,
		},
		{
			name: "missing cookies",
			modify: func(site *fakeSite) {
				site.cookies = nil
			},
			expected: ErrCookiesNotFound,
		},
		{
			name: "only deleted cookies",
			modify: func(site *fakeSite) {
				site.cookies = []*http.Cookie{{Name: "sessionid", Value: "", MaxAge: -1}}
			},
			expected: ErrCookiesNotFound,
		},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			site := newFakeSite()
			row.modify(site)
			f := newClientFixture(t, site, time.Second)

			_, err := f.client.EnsureSession(context.Background())

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, OpEnsureSession, parseErr.Op)
			require.ErrorIs(t, err, row.expected)

			_, err = f.client.Stations(context.Background())
			require.ErrorIs(t, err, row.expected)

			_, post := f.site.hits()
			require.Zero(t, post)
		})
	}
}

func TestClientRootError(t *testing.T) {
	site := newFakeSite()
	site.rootStatus = http.StatusServiceUnavailable
	f := newClientFixture(t, site, time.Second)

	_, err := f.client.EnsureSession(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, OpEnsureSession, transportErr.Op)
	require.Equal(t, http.StatusServiceUnavailable, transportErr.StatusCode)
	require.False(t, transportErr.Timeout())
}

func TestClientNoStations(t *testing.T) {
	site := newFakeSite()
	site.stationBody = scheduleInvalidPage
	f := newClientFixture(t, site, time.Second)

	_, err := f.client.Stations(context.Background())

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.ErrorIs(t, err, ErrNoStationsFound)
	require.Equal(t, OpListStations, parseErr.Op)
}

func TestClientTimeout(t *testing.T) {
	site := newFakeSite()
	site.rootDelay = 300 * time.Millisecond
	f := newClientFixture(t, site, 50*time.Millisecond)

	_, err := f.client.EnsureSession(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, transportErr.Timeout())
}

func TestClientContextCancelled(t *testing.T) {
	site := newFakeSite()
	site.rootDelay = 300 * time.Millisecond
	f := newClientFixture(t, site, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.client.EnsureSession(ctx)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.True(t, transportErr.Timeout())
}

func TestClientConcurrentBootstrap(t *testing.T) {
	site := newFakeSite()
	site.rootDelay = 200 * time.Millisecond
	f := newClientFixture(t, site, time.Second)

	var wg sync.WaitGroup
	sessions := make([]Session, 8)
	errs := make([]error, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = f.client.EnsureSession(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range sessions {
		require.NoError(t, errs[i])
		require.Equal(t, homeToken, sessions[i].CsrfToken)
	}
	root, _ := f.site.hits()
	require.Equal(t, 1, root)
}

func TestClientScheduleNotFound(t *testing.T) {
	site := newFakeSite()
	site.scheduleBody = scheduleInvalidPage
	f := newClientFixture(t, site, time.Second)

	info, found, err := f.client.Schedule(context.Background(), "1", "1", "")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, ScheduleInfo{}, info)
}

func TestClientSchedulePersistsSession(t *testing.T) {
	f := newClientFixture(t, newFakeSite(), time.Second)
	ctx := context.Background()

	_, found, err := f.client.Schedule(ctx, "1", "5", "")
	require.NoError(t, err)
	require.True(t, found)

	cached, ok := f.cache.Get()
	require.True(t, ok)
	require.Equal(t, homeToken, cached.CsrfToken)
	require.Nil(t, cached.Stations)

	stations, err := f.client.Stations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 18)

	root, post := f.site.hits()
	require.Equal(t, 1, root)
	require.Equal(t, 2, post)
}

func TestClientInvalidateSession(t *testing.T) {
	f := newClientFixture(t, newFakeSite(), time.Second)
	f.cache.Set(Session{CsrfToken: "token", Cookies: "a=1"}, cachedStations)

	f.client.InvalidateSession()

	_, ok := f.client.Cache().Get()
	require.False(t, ok)
}

func TestNewClientRejectsRelativeBaseUrl(t *testing.T) {
	_, err := NewClient(ClientOptions{BaseUrl: "info.metrofor.ce.gov.br"}, telemetry.SlogAPI{})
	require.Error(t, err)
}

func TestJoinCookies(t *testing.T) {
	now := clientEpoch

	table := []struct {
		name      string
		cookies   []*http.Cookie
		header    string
		expiresAt time.Time
	}{
		{name: "none"},
		{
			name: "session cookies",
			cookies: []*http.Cookie{
				{Name: "csrftoken", Value: "abc"},
				{Name: "sessionid", Value: "xyz"},
			},
			header: "csrftoken=abc; sessionid=xyz",
		},
		{
			name: "earliest expiry wins",
			cookies: []*http.Cookie{
				{Name: "csrftoken", Value: "abc", Expires: now.Add(48 * time.Hour)},
				{Name: "sessionid", Value: "xyz", MaxAge: 1800},
			},
			header:    "csrftoken=abc; sessionid=xyz",
			expiresAt: now.Add(30 * time.Minute),
		},
		{
			name: "deleted and expired cookies are dropped",
			cookies: []*http.Cookie{
				{Name: "messages", Value: "", MaxAge: -1},
				{Name: "old", Value: "1", Expires: now.Add(-time.Hour)},
				{Name: "sessionid", Value: "xyz"},
			},
			header: "sessionid=xyz",
		},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			header, expiresAt := joinCookies(row.cookies, now)
			require.Equal(t, row.header, header)
			require.True(t, row.expiresAt.Equal(expiresAt), "expected %v, got %v", row.expiresAt, expiresAt)
		})
	}
}

type namesOutput struct {
	mutex sync.Mutex
	names []string
}

func (o *namesOutput) Write(name string, contents string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.names = append(o.names, name)
}

func TestClientDumpsExchanges(t *testing.T) {
	server := httptest.NewServer(newFakeSite())
	t.Cleanup(server.Close)

	output := &namesOutput{}
	client, err := NewClient(ClientOptions{
		BaseUrl: server.URL,
		Clock:   chrono.NewManualImpl(clientEpoch),
		Dump:    output,
	}, telemetry.SlogAPI{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Stations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, []string{"001-get-root.txt", "002-post-horarios.txt"}, output.names)
}
