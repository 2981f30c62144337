// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package report implements the vailix report pipeline: enumerating an
// installation's historical RPIs, sealing metadata once per RPI under
// that RPI's own metadata key, and batch-submitting the result to a
// server's report endpoint. Grounded on
// reunion/transports/http/http_query.go's http.Client-with-timeout request
// shape.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/metacrypto"
)

// MaxBatchEntries is the largest number of report entries submitted in a
// single request body, matching the server's own validation limit so a
// large history never round-trips through a guaranteed 400.
const MaxBatchEntries = 1500

// ErrNetwork covers request construction failures, transport failures, and
// non-2xx responses from the report endpoint.
var ErrNetwork = errors.New("report: network error")

type entry struct {
	RPI               string `json:"rpi"`
	EncryptedMetadata string `json:"encryptedMetadata"`
}

type batchBody struct {
	Reports []entry `json:"reports"`
}

// Pipeline submits positive reports built from an identity.Engine's
// history.
type Pipeline struct {
	id          *identity.Engine
	reportURL   string
	appSecret   string
	attestToken string
	client      *http.Client
	log         *logging.Logger
}

// New constructs a Pipeline. reportURL is the base URL carrying
// <reportURL>/v1/report; attestToken may be empty when no attestation
// verifier is configured.
func New(id *identity.Engine, reportURL, appSecret, attestToken string, log *logging.Logger) *Pipeline {
	return &Pipeline{
		id:          id,
		reportURL:   reportURL,
		appSecret:   appSecret,
		attestToken: attestToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

// Submit builds a report from the last days days of history and an
// optional metadata payload (pass nil for no metadata), and POSTs it to the
// report endpoint. It returns true iff every batch was accepted with a 2xx
// status. Any failure is returned as an error wrapping ErrNetwork (for
// transport/HTTP failures) so callers can route it onto an error stream;
// over-sized metadata is returned as a programmer error wrapping
// metacrypto.ErrMetadataTooLarge, not ErrNetwork, before any request is
// sent.
func (p *Pipeline) Submit(ctx context.Context, days int, metadata []byte) (bool, error) {
	entries, err := p.buildEntries(days, metadata)
	if err != nil {
		return false, err
	}

	for start := 0; start < len(entries); start += MaxBatchEntries {
		end := start + MaxBatchEntries
		if end > len(entries) {
			end = len(entries)
		}
		if err := p.postBatch(ctx, entries[start:end]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Pipeline) buildEntries(days int, metadata []byte) ([]entry, error) {
	var entries []entry
	for rpi := range p.id.History(days) {
		mk := p.id.MetadataKey(rpi.String())

		var sealed string
		if len(metadata) > 0 {
			var err error
			sealed, err = metacrypto.Encrypt(metadata, mk[:])
			if err != nil {
				return nil, fmt.Errorf("report: sealing metadata: %w", err)
			}
		}
		entries = append(entries, entry{RPI: rpi.String(), EncryptedMetadata: sealed})
	}
	return entries, nil
}

func (p *Pipeline) postBatch(ctx context.Context, batch []entry) error {
	body, err := json.Marshal(batchBody{Reports: batch})
	if err != nil {
		return fmt.Errorf("%w: encoding request body: %v", ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.reportURL+"/v1/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-vailix-secret", p.appSecret)
	if p.attestToken != "" {
		req.Header.Set("x-attest-token", p.attestToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if p.log != nil {
			p.log.Warningf("report: server rejected batch with status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}
