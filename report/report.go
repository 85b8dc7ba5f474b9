// Package report builds and submits a positive report from a device's
// RPI history (§4.5). Metadata is encrypted once per historical RPI
// under a distinct metadata key, so the server sees unrelated
// ciphertexts and cannot correlate RPIs reported in the same batch
// beyond their co-submission.
package report

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/metacipher"
)

// entry is one element of the report JSON body.
type entry struct {
	RPI               string `json:"rpi"`
	EncryptedMetadata string `json:"encryptedMetadata"`
}

type requestBody struct {
	Reports []entry `json:"reports"`
}

// Pipeline submits positive reports built from an identity engine's
// history.
type Pipeline struct {
	engine      *identity.Engine
	httpClient  *http.Client
	reportBase  string
	appSecret   string
	attestToken string
	errSink     func(error)
	log         logger.Logger
}

// Config configures a Pipeline.
type Config struct {
	ReportBaseURL string
	AppSecret     string
	AttestToken   string // optional; sent as x-attest-token when non-empty
	HTTPClient    *http.Client
	// ErrorSink, if set, receives every network/transport failure
	// Submit encounters, in addition to the boolean it returns — this
	// is how those failures reach the SDK's error stream (§4.5 point
	// 4, §9 "on_error"). Nil disables the sink; failures are still logged.
	ErrorSink func(error)
}

// New constructs a report Pipeline bound to engine.
func New(engine *identity.Engine, cfg Config, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Sugar
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		engine:      engine,
		httpClient:  client,
		reportBase:  cfg.ReportBaseURL,
		appSecret:   cfg.AppSecret,
		attestToken: cfg.AttestToken,
		errSink:     cfg.ErrorSink,
		log:         log.WithServiceName("report"),
	}
}

// emitError logs a network/transport failure and, if an ErrorSink was
// configured, also routes it there.
func (p *Pipeline) emitError(err error) {
	p.log.Errorf("%v", err)
	if p.errSink != nil {
		p.errSink(err)
	}
}

// Submit enumerates the last days days of RPIs, encrypts metadata (or
// an empty string if metadata is nil) once per RPI under its own
// metadata key, and posts the batch to <reportBase>/v1/report.
//
// Submit never returns an error for network or transport failures —
// per §7's propagation policy, those are logged and folded into the
// returned false. Only a programmer error (oversized metadata)
// returns a non-nil error.
func (p *Pipeline) Submit(ctx context.Context, days int, metadata map[string]any) (bool, error) {
	var plaintext []byte
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return false, fmt.Errorf("report: marshaling metadata: %w", err)
		}
		plaintext = encoded
	}

	var entries []entry
	next := p.engine.History(days)
	for {
		rpi, ok := next()
		if !ok {
			break
		}

		var encrypted string
		if len(plaintext) > 0 {
			key := p.engine.MetadataKey(rpi)
			keyBytes, err := hex.DecodeString(key)
			if err != nil {
				return false, fmt.Errorf("report: decoding metadata key: %w", err)
			}
			sealed, err := metacipher.Encrypt(plaintext, keyBytes)
			if err != nil {
				return false, fmt.Errorf("report: encrypting metadata for %s: %w", rpi, err)
			}
			encrypted = sealed
		}

		entries = append(entries, entry{RPI: rpi, EncryptedMetadata: encrypted})
	}

	body, err := json.Marshal(requestBody{Reports: entries})
	if err != nil {
		return false, fmt.Errorf("report: marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.reportBase+"/v1/report", bytes.NewReader(body))
	if err != nil {
		p.emitError(fmt.Errorf("report: building request failed: %w", err))
		return false, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-vailix-secret", p.appSecret)
	if p.attestToken != "" {
		req.Header.Set("x-attest-token", p.attestToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.emitError(fmt.Errorf("report: submitting batch failed: %w", err))
		return false, nil
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !success {
		p.emitError(fmt.Errorf("report: server rejected batch with status %d", resp.StatusCode))
	}
	return success, nil
}
