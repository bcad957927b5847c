// Package server exposes the metrofor scraper over HTTP as json, for the chat front-end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"metrobot-backend/internal/components/assert"
	"metrobot-backend/internal/components/chrono"
	"metrobot-backend/internal/components/telemetry"
	"metrobot-backend/internal/scrapers/metrofor"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	report_server_stations   = "server.stations"
	report_server_schedule   = "server.schedule"
	report_server_invalidate = "server.invalidate-session"
)

const (
	endpointStations   = "stations"
	endpointSchedule   = "schedule"
	endpointInvalidate = "invalidate_session"

	resultOk            = "ok"
	resultNotFound      = "not_found"
	resultBadRequest    = "bad_request"
	resultScrapeFailure = "scrape_failure"
	resultError         = "error"
)

// Scraper is the part of *metrofor.Client the server needs.
type Scraper interface {
	Stations(ctx context.Context) ([]metrofor.Station, error)
	Schedule(ctx context.Context, originID, destinationID, dateTime string) (metrofor.ScheduleInfo, bool, error)
	InvalidateSession()
	Cache() *metrofor.SessionCache
}

type Server struct {
	scraper Scraper
	chrono  chrono.API
	tel     telemetry.API

	registry *prometheus.Registry
	latency  *prometheus.SummaryVec
	results  *prometheus.CounterVec
}

func NewServer(scraper Scraper, clock chrono.API, tel telemetry.API) *Server {
	assert.NotNil(scraper)
	assert.NotNil(clock)
	assert.NotNil(tel)

	registry := prometheus.NewRegistry()
	latency := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "metrobot_request_duration_seconds",
		Help:       "Time spent serving requests, scraping included.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"endpoint"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobot_requests_total",
		Help: "Requests served, by endpoint and outcome.",
	}, []string{"endpoint", "result"})

	cache := scraper.Cache()
	sessionCached := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metrobot_session_cached",
		Help: "1 while a live metrofor session is cached.",
	}, func() float64 {
		_, ok := cache.Get()
		if ok {
			return 1
		}
		return 0
	})
	cachedStations := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metrobot_cached_stations",
		Help: "Number of stations held by the session cache.",
	}, func() float64 {
		cached, _ := cache.Get()
		return float64(len(cached.Stations))
	})

	registry.MustRegister(
		latency,
		results,
		sessionCached,
		cachedStations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Server{
		scraper:  scraper,
		chrono:   clock,
		tel:      telemetry.NewScopedAPI("server", tel),
		registry: registry,
		latency:  latency,
		results:  results,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stations", s.handleStations)
	mux.HandleFunc("GET /schedule", s.handleSchedule)
	mux.HandleFunc("POST /session/invalidate", s.handleInvalidateSession)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.tel.ReportWarning("write response", err)
	}
}

func (s *Server) observe(endpoint string, start time.Time) {
	s.latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// writeScrapeError maps a scraper error onto a status code and returns the result label.
func (s *Server) writeScrapeError(w http.ResponseWriter, err error) string {
	if metrofor.IsScrapeFailure(err) {
		status := http.StatusBadGateway
		var transportErr *metrofor.TransportError
		if errors.As(err, &transportErr) && transportErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		s.writeJson(w, status, errorResponse{Error: "metrofor is unavailable, try again later"})
		return resultScrapeFailure
	}
	s.writeJson(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	return resultError
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer s.observe(endpointStations, start)

	stations, err := s.scraper.Stations(r.Context())
	if err != nil {
		s.tel.ReportBroken(report_server_stations, err)
		result := s.writeScrapeError(w, err)
		s.results.WithLabelValues(endpointStations, result).Inc()
		return
	}

	s.writeJson(w, http.StatusOK, stations)
	s.results.WithLabelValues(endpointStations, resultOk).Inc()
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer s.observe(endpointSchedule, start)

	result := s.serveSchedule(w, r)
	s.results.WithLabelValues(endpointSchedule, result).Inc()
}

func (s *Server) serveSchedule(w http.ResponseWriter, r *http.Request) string {
	query := r.URL.Query()
	originQuery := query.Get("origin")
	destinationQuery := query.Get("destination")
	if strings.TrimSpace(originQuery) == "" || strings.TrimSpace(destinationQuery) == "" {
		s.writeJson(w, http.StatusBadRequest, errorResponse{Error: "origin and destination are required"})
		return resultBadRequest
	}

	var dateTime string
	if at := query.Get("at"); at != "" {
		t, err := metrofor.ParseTripDateTime(at, s.chrono.Now())
		if err != nil {
			s.writeJson(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return resultBadRequest
		}
		dateTime = metrofor.FormatTripDateTime(t, s.chrono.Location())
	}

	origin, ok, err := metrofor.ResolveStation(r.Context(), s.scraper, originQuery)
	if err != nil {
		s.tel.ReportBroken(report_server_schedule, err)
		return s.writeScrapeError(w, err)
	}
	if !ok {
		s.writeJson(w, http.StatusNotFound, errorResponse{Error: "unknown origin station"})
		return resultNotFound
	}
	destination, ok, err := metrofor.ResolveStation(r.Context(), s.scraper, destinationQuery)
	if err != nil {
		s.tel.ReportBroken(report_server_schedule, err)
		return s.writeScrapeError(w, err)
	}
	if !ok {
		s.writeJson(w, http.StatusNotFound, errorResponse{Error: "unknown destination station"})
		return resultNotFound
	}

	info, found, err := s.scraper.Schedule(r.Context(), origin.ID, destination.ID, dateTime)
	if err != nil {
		s.tel.ReportBroken(report_server_schedule, err, origin.ID, destination.ID)
		return s.writeScrapeError(w, err)
	}
	if !found {
		s.writeJson(w, http.StatusNotFound, errorResponse{Error: "no trip information for these stations"})
		return resultNotFound
	}

	s.writeJson(w, http.StatusOK, info)
	return resultOk
}

func (s *Server) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer s.observe(endpointInvalidate, start)

	s.scraper.InvalidateSession()
	s.tel.ReportDebug(report_server_invalidate)

	w.WriteHeader(http.StatusNoContent)
	s.results.WithLabelValues(endpointInvalidate, resultOk).Inc()
}
