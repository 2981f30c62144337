// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi implements the HTTP half of the vailix server
// ingest/serve engine: POST /v1/report, GET /v1/download, /health, and
// /metrics, with constant-time secret auth, per-IP rate limiting, and a
// request-body size cap. Grounded on
// reunion_katzenpost_server/main.go's bare net/http.HandleFunc,
// logger-threaded handler shape, with metric names and registration style
// from internal/instrument/prometheus.go.
package httpapi

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/server/ingest"
	"github.com/vailix-dev/vailix/wire"
)

// ErrAuthRejected covers a missing/wrong secret (401) or a failed
// attestation check (403).
var ErrAuthRejected = errors.New("httpapi: auth rejected")

// ErrRateLimited covers a request dropped by the per-IP token bucket.
var ErrRateLimited = errors.New("httpapi: rate limited")

const (
	// MaxBodyBytes caps every request body.
	MaxBodyBytes = 5 << 20

	// MaxReportEntries is the largest number of reports accepted in one
	// POST /v1/report batch.
	MaxReportEntries = 1500

	// maxRPIHexLen / maxEncMetadataBytes bound the schema of one report entry.
	maxRPIHexLen        = 32
	maxEncMetadataBytes = 10240

	// MaxDownloadPageLimit is the server-side page size for GET /v1/download.
	MaxDownloadPageLimit = 20000

	rpiRawLen = 16

	nextCursorHeader = "x-vailix-next-cursor"
	secretHeader     = "x-vailix-secret"
	attestHeader     = "x-attest-token"
)

// Config configures the HTTP surface.
type Config struct {
	Secret string

	// AttestVerify, if non-nil, is invoked with the x-attest-token header
	// value on every POST /v1/report; a false return yields 403.
	AttestVerify func(token string) bool

	// RateLimitPerMinute and RateLimitBurst configure the per-IP token
	// bucket; the default is 300 requests per minute.
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Server wires a Config to an ingest.Store and exposes http.Handler.
type Server struct {
	cfg    Config
	store  *ingest.Store
	log    *logging.Logger
	limits *ipLimiterSet
	reg    *prometheus.Registry

	ingestTotal       prometheus.Counter
	downloadTotal     prometheus.Counter
	downloadPageSize  prometheus.Histogram
	authRejectedTotal prometheus.Counter
	rateLimitedTotal  prometheus.Counter
}

// New constructs a Server backed by store.
func New(cfg Config, store *ingest.Store, log *logging.Logger) *Server {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 300
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitPerMinute
	}

	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:   cfg,
		store: store,
		log:   log,
		limits: newIPLimiterSet(
			rate.Limit(float64(cfg.RateLimitPerMinute)/60.0),
			cfg.RateLimitBurst,
		),
		reg: reg,

		ingestTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vailix_ingest_total",
			Help: "Total number of accepted POST /v1/report batches.",
		}),
		downloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vailix_download_total",
			Help: "Total number of GET /v1/download pages served.",
		}),
		downloadPageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vailix_download_page_records",
			Help:    "Number of records served per download page.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		authRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vailix_auth_rejected_total",
			Help: "Total number of requests rejected for bad or missing secret/attestation.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vailix_rate_limited_total",
			Help: "Total number of requests rejected by the per-IP rate limiter.",
		}),
	}
	reg.MustRegister(s.ingestTotal, s.downloadTotal, s.downloadPageSize, s.authRejectedTotal, s.rateLimitedTotal)
	return s
}

// Handler returns the full routed http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/report", s.withAuth(s.handleReport))
	mux.HandleFunc("/v1/download", s.withAuth(s.handleDownload))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// withAuth wraps a handler with per-IP rate limiting and constant-time
// secret authentication; /health bypasses this wrapper entirely.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limits.allow(ip) {
			s.rateLimitedTotal.Inc()
			if s.log != nil {
				s.log.Debugf("httpapi: %v: ip=%s path=%s", ErrRateLimited, ip, r.URL.Path)
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		if !constantTimeEqual(r.Header.Get(secretHeader), s.cfg.Secret) {
			s.authRejectedTotal.Inc()
			if s.log != nil {
				s.log.Debugf("httpapi: %v: bad secret, path=%s", ErrAuthRejected, r.URL.Path)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if s.cfg.AttestVerify != nil && r.Method == http.MethodPost {
			if !s.cfg.AttestVerify(r.Header.Get(attestHeader)) {
				s.authRejectedTotal.Inc()
				if s.log != nil {
					s.log.Debugf("httpapi: %v: attestation failed, path=%s", ErrAuthRejected, r.URL.Path)
				}
				http.Error(w, "attestation rejected", http.StatusForbidden)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next(w, r)
	}
}

type reportEntry struct {
	RPI               string `json:"rpi"`
	EncryptedMetadata string `json:"encryptedMetadata"`
}

type reportBody struct {
	Reports []reportEntry `json:"reports"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body reportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if len(body.Reports) == 0 || len(body.Reports) > MaxReportEntries {
		http.Error(w, "invalid report batch size", http.StatusBadRequest)
		return
	}

	now := time.Now().UnixMilli()
	for _, entry := range body.Reports {
		rpiBytes, ok := parseRPIHex(entry.RPI)
		if !ok {
			http.Error(w, "invalid rpi", http.StatusBadRequest)
			return
		}
		if len(entry.EncryptedMetadata) > maxEncMetadataBytes {
			http.Error(w, "metadata too large", http.StatusBadRequest)
			return
		}
		if _, err := s.store.Insert(rpiBytes, entry.EncryptedMetadata, now); err != nil {
			if s.log != nil {
				s.log.Errorf("httpapi: report insert failed: %v", err)
			}
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	}

	s.ingestTotal.Inc()
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	since := parseInt64Query(r, "since", 0)
	cursor := parseCursor(r.URL.Query().Get("cursor"))
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "bin"
	}

	records, nextCursor, err := s.store.Page(since, cursor, MaxDownloadPageLimit)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("httpapi: download page failed: %v", err)
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set(nextCursorHeader, formatCursor(nextCursor))
	s.downloadTotal.Inc()
	s.downloadPageSize.Observe(float64(len(records)))

	switch format {
	case "json":
		s.writeJSONPage(w, records)
	default:
		s.writeBinaryPage(w, records)
	}
}

type jsonRecord struct {
	RPI        string  `json:"rpi"`
	ReportedAt float64 `json:"reportedAt"`
	Metadata   string  `json:"metadata,omitempty"`
}

func (s *Server) writeJSONPage(w http.ResponseWriter, records []ingest.Record) {
	out := make([]jsonRecord, len(records))
	for i, r := range records {
		out[i] = jsonRecord{
			RPI:        hex.EncodeToString(r.RPI[:]),
			ReportedAt: float64(r.CreatedAtMs),
			Metadata:   r.Metadata,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) writeBinaryPage(w http.ResponseWriter, records []ingest.Record) {
	wireRecords := make([]wire.Record, len(records))
	for i, r := range records {
		wireRecords[i] = wire.Record{
			RPI:        r.RPI,
			ReportedAt: float64(r.CreatedAtMs),
			Metadata:   []byte(r.Metadata),
		}
	}
	buf, err := wire.Encode(wireRecords)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("httpapi: encoding download page failed: %v", err)
		}
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(buf)
}

func parseRPIHex(s string) ([rpiRawLen]byte, bool) {
	var out [rpiRawLen]byte
	if len(s) != maxRPIHexLen {
		return out, false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return out, false
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != rpiRawLen {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func parseInt64Query(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseCursor(s string) uint64 {
	if s == "" {
		return 0
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func formatCursor(id uint64) string {
	if id == 0 {
		return ""
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return hex.EncodeToString(b[:])
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ipLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPLimiterSet(rps rate.Limit, burst int) *ipLimiterSet {
	return &ipLimiterSet{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (s *ipLimiterSet) allow(ip string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}
