// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vailix-dev/vailix/server/ingest"
	"github.com/vailix-dev/vailix/wire"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *ingest.Store) {
	path := filepath.Join(t.TempDir(), "ingest.db")
	store, err := ingest.Open(path, 14*24*time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	return New(cfg, store, nil), store
}

func TestHealthBypassesAuth(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReportRejectsMissingSecret(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(`{"reports":[]}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReportAcceptsValidBatch(t *testing.T) {
	s, store := newTestServer(t, Config{Secret: "s3cr3t"})
	body := `{"reports":[{"rpi":"` + strings.Repeat("ab", 16) + `","encryptedMetadata":""}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	records, _, err := store.Page(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

// Posting the same RPI N times produces exactly one row.
func TestReportIngestIsIdempotent(t *testing.T) {
	s, store := newTestServer(t, Config{Secret: "s3cr3t"})
	rpiHex := strings.Repeat("cd", 16)
	body := `{"reports":[{"rpi":"` + rpiHex + `","encryptedMetadata":""}]}`

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
		req.Header.Set("x-vailix-secret", "s3cr3t")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	records, _, err := store.Page(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestReportRejectsOversizedBatch(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	entries := make([]reportEntry, MaxReportEntries+1)
	for i := range entries {
		entries[i] = reportEntry{RPI: strings.Repeat("ab", 16)}
	}
	raw, err := json.Marshal(reportBody{Reports: entries})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/report", bytes.NewReader(raw))
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportRejectsUppercaseRPI(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	body := `{"reports":[{"rpi":"` + strings.Repeat("AB", 16) + `","encryptedMetadata":""}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportRequiresAttestTokenWhenConfigured(t *testing.T) {
	s, _ := newTestServer(t, Config{
		Secret:       "s3cr3t",
		AttestVerify: func(token string) bool { return token == "good-token" },
	})
	body := `{"reports":[{"rpi":"` + strings.Repeat("ab", 16) + `","encryptedMetadata":""}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	req2.Header.Set("x-vailix-secret", "s3cr3t")
	req2.Header.Set("x-attest-token", "good-token")
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	require.Equal(t, http.StatusCreated, w2.Code)
}

func TestDownloadRoundTripsBinaryPage(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	body := `{"reports":[{"rpi":"` + strings.Repeat("ef", 16) + `","encryptedMetadata":""}]}`
	postReq := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	postReq.Header.Set("x-vailix-secret", "s3cr3t")
	postW := httptest.NewRecorder()
	s.Handler().ServeHTTP(postW, postReq)
	require.Equal(t, http.StatusCreated, postW.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/download?since=0&format=bin", nil)
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get(nextCursorHeader))

	records, err := wire.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, strings.Repeat("ef", 16), records[0].RPI.String())
}

func TestDownloadJSONFormat(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	body := `{"reports":[{"rpi":"` + strings.Repeat("11", 16) + `","encryptedMetadata":""}]}`
	postReq := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
	postReq.Header.Set("x-vailix-secret", "s3cr3t")
	s.Handler().ServeHTTP(httptest.NewRecorder(), postReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/download?format=json", nil)
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out []jsonRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, strings.Repeat("11", 16), out[0].RPI)
}

func TestDownloadServesAllRowsInOnePage(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	for i := 0; i < 3; i++ {
		body := `{"reports":[{"rpi":"` + padRPI(i) + `","encryptedMetadata":""}]}`
		req := httptest.NewRequest(http.MethodPost, "/v1/report", strings.NewReader(body))
		req.Header.Set("x-vailix-secret", "s3cr3t")
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/download?format=bin", nil)
	req.Header.Set("x-vailix-secret", "s3cr3t")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	records, err := wire.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func padRPI(i int) string {
	return strings.Repeat("0", 31) + strings.ToLower(string("0123456789abcdef"[i]))
}

func TestDownloadRejectsWrongSecret(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t"})
	req := httptest.NewRequest(http.MethodGet, "/v1/download", nil)
	req.Header.Set("x-vailix-secret", "wrong")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthIsNeverRateLimited(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t", RateLimitPerMinute: 2, RateLimitBurst: 2})

	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	// /health is unauthenticated but still routes through the mux; the
	// rate limiter only wraps the authenticated endpoints, so this proves
	// health checks are never throttled.
	for _, c := range codes {
		require.Equal(t, http.StatusOK, c)
	}
}

func TestRateLimiterThrottlesAuthenticatedEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: "s3cr3t", RateLimitPerMinute: 2, RateLimitBurst: 2})

	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/download", nil)
		req.Header.Set("x-vailix-secret", "s3cr3t")
		req.RemoteAddr = "10.0.0.2:1234"
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	require.Contains(t, codes, http.StatusTooManyRequests)
}
