// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package match implements the vailix matching engine: paginated download
// of reported identifiers, intersection against the local contact log,
// and authenticated decryption of per-contact metadata.
// Grounded on map/server/server.go's one-bucket-at-a-time processing
// discipline: the fetch loop runs on the caller's goroutine and handles
// one page at a time.
package match

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/metacrypto"
	"github.com/vailix-dev/vailix/store"
	"github.com/vailix-dev/vailix/wire"
)

// ErrNetwork covers request construction failures, transport failures, and
// non-2xx responses from the download endpoint.
var ErrNetwork = errors.New("match: network error")

// NextCursorHeader is the response header carrying the opaque cursor for
// the next page; an empty value means the download is exhausted.
const NextCursorHeader = "x-vailix-next-cursor"

// Match is one emitted proximity match: a reported RPI the local device
// previously observed, the local capture time, the server's report time,
// and decrypted metadata (nil if absent or undecryptable).
type Match struct {
	RPIHex         string
	LocalTimestamp int64
	ReportedAtMs   float64
	Metadata       []byte
}

// Matcher runs fetch-and-match passes against one server.
type Matcher struct {
	downloadURL string
	appSecret   string
	st          *store.Store
	checkpoint  CheckpointStore
	client      *http.Client
	log         *logging.Logger
}

// New constructs a Matcher. downloadURL is the base URL carrying
// <downloadURL>/v1/download.
func New(downloadURL, appSecret string, st *store.Store, checkpoint CheckpointStore, log *logging.Logger) *Matcher {
	return &Matcher{
		downloadURL: downloadURL,
		appSecret:   appSecret,
		st:          st,
		checkpoint:  checkpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

// FetchAndMatch downloads every page newer than the persisted checkpoint,
// intersects each page against the local contact log, and decrypts
// metadata for every hit. The checkpoint advances only if every page in
// this pass was fetched and processed successfully; on any failure the
// error is returned, the checkpoint is left untouched, and no partial
// matches are returned.
//
// After a fully successful pass the accumulated matches are returned in
// one slice (single-shot emission) and store.CleanupOldScans is
// triggered.
func (m *Matcher) FetchAndMatch(ctx context.Context) ([]Match, error) {
	since, err := m.checkpoint.Load()
	if err != nil {
		return nil, fmt.Errorf("match: loading checkpoint: %w", err)
	}

	var matches []Match
	maxSeen := since
	cursor := ""

	for {
		records, nextCursor, err := m.fetchPage(ctx, since, cursor)
		if err != nil {
			return nil, err
		}

		pageMatches, err := m.processPage(records)
		if err != nil {
			return nil, err
		}
		matches = append(matches, pageMatches...)

		for _, r := range records {
			if r.ReportedAt > float64(maxSeen) {
				maxSeen = int64(r.ReportedAt)
			}
		}

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	if err := m.checkpoint.Save(maxSeen); err != nil {
		return nil, fmt.Errorf("match: saving checkpoint: %w", err)
	}

	if err := m.st.CleanupOldScans(time.Now().UnixMilli()); err != nil && m.log != nil {
		m.log.Warningf("match: cleanup after successful pass failed: %v", err)
	}

	return matches, nil
}

// processPage intersects one page's RPIs against the local contact log in
// a single store lookup, then attempts decryption for every hit.
func (m *Matcher) processPage(records []wire.Record) ([]Match, error) {
	if len(records) == 0 {
		return nil, nil
	}

	rpiHexes := make([]string, len(records))
	for i, r := range records {
		rpiHexes[i] = r.RPI.String()
	}

	contacts, err := m.st.MatchingScans(rpiHexes)
	if err != nil {
		return nil, fmt.Errorf("match: intersecting page against local contacts: %w", err)
	}

	byRPI := make(map[string]store.ContactRecord, len(contacts))
	for _, c := range contacts {
		byRPI[c.PeerRPIHex] = c
	}

	var out []Match
	for _, r := range records {
		contact, ok := byRPI[r.RPI.String()]
		if !ok {
			continue
		}

		match := Match{
			RPIHex:         r.RPI.String(),
			LocalTimestamp: contact.TimestampMs,
			ReportedAtMs:   r.ReportedAt,
		}

		if len(r.Metadata) > 0 {
			mk, err := hex.DecodeString(contact.PeerMetaKeyHex)
			if err == nil {
				if plain, derr := metacrypto.Decrypt(string(r.Metadata), mk); derr == nil {
					match.Metadata = plain
				} else if m.log != nil {
					m.log.Debugf("match: no metadata for rpi %s: %v", match.RPIHex, derr)
				}
			}
		}

		out = append(out, match)
	}
	return out, nil
}

func (m *Matcher) fetchPage(ctx context.Context, since int64, cursor string) ([]wire.Record, string, error) {
	u, err := url.Parse(m.downloadURL + "/v1/download")
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("format", "bin")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("x-vailix-secret", m.appSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", ErrNetwork, err)
	}

	records, decErr := wire.Decode(body)
	if decErr != nil && !errors.Is(decErr, wire.ErrTruncated) {
		return nil, "", fmt.Errorf("match: decoding page: %w", decErr)
	}
	if decErr != nil && m.log != nil {
		m.log.Warningf("match: page truncated, proceeding with %d records: %v", len(records), decErr)
	}

	return records, resp.Header.Get(NextCursorHeader), nil
}
