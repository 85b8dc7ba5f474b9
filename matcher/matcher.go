// Package matcher implements the streaming contact-matching engine
// (§4.6): paginated download of reported identifiers, intersection
// against the local contact log, authenticated decryption of matched
// metadata, and checkpoint-gated advancement.
//
// A matching pass processes one page at a time and releases each
// page's memory before fetching the next (§5's backpressure rule).
// Results from a whole pass are delivered as a single emission only
// after every page has been processed successfully; the checkpoint
// only advances on that same success path, so a mid-stream failure
// leaves both the checkpoint and the match stream untouched.
package matcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/metacipher"
	"github.com/vailix-dev/vailix/store"
	"github.com/vailix-dev/vailix/wireformat"
)

// CheckpointStore persists the single sync-checkpoint scalar. The
// identity package's KeyStore interface is reused here rather than
// declaring a parallel one, since both are "one named value in,
// one named value out" collaborators.
type CheckpointStore = identity.KeyStore

const checkpointKeyName = "vailix.sync_checkpoint"

// Match is one emitted match: an observed RPI that a reporter has
// marked positive, the local contact time, the reporter's submission
// time, and decrypted metadata (nil if absent or undecryptable).
type Match struct {
	RPIHex            string
	LocalTimestampMS  int64
	ReporterTimestamp float64
	Metadata          []byte
}

// Matcher runs fetch-and-match passes against one download endpoint.
type Matcher struct {
	contactStore    *store.Store
	checkpointStore CheckpointStore
	httpClient      *http.Client
	downloadBase    string
	log             logger.Logger

	matches chan []Match
	errs    chan error
}

// Config configures a Matcher.
type Config struct {
	DownloadBaseURL string
	HTTPClient      *http.Client
}

// New constructs a Matcher. The returned Matcher owns match and error
// channels buffered to one pass's worth of backlog (capacity 1); a
// send that finds the buffer full is dropped, so callers should drain
// Matches() and Errors() promptly.
func New(contactStore *store.Store, checkpointStore CheckpointStore, cfg Config, log logger.Logger) *Matcher {
	if log == nil {
		log = logger.Sugar
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Matcher{
		contactStore:    contactStore,
		checkpointStore: checkpointStore,
		httpClient:      client,
		downloadBase:    cfg.DownloadBaseURL,
		log:             log.WithServiceName("matcher"),
		matches:         make(chan []Match, 1),
		errs:            make(chan error, 1),
	}
}

// Matches returns the channel matches are delivered on, one slice per
// successful pass.
func (m *Matcher) Matches() <-chan []Match { return m.matches }

// Errors returns the channel errors are delivered on.
func (m *Matcher) Errors() <-chan error { return m.errs }

func (m *Matcher) checkpoint() float64 {
	raw, err := m.checkpointStore.GetKey(checkpointKeyName)
	if err != nil || raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func (m *Matcher) persistCheckpoint(v float64) error {
	return m.checkpointStore.SetKey(checkpointKeyName, strconv.FormatFloat(v, 'f', -1, 64))
}

// FetchAndMatch downloads keys newer than the sync checkpoint, page by
// page, intersects each page against the local contact log, and on
// full success advances the checkpoint and emits all matches from the
// pass in one delivery. Network, store and checkpoint-persist failures
// are sent on the error channel; the checkpoint is left untouched and
// nothing is sent on the match channel for that pass. A truncated page
// is only logged: its complete records are matched and the pass goes on.
func (m *Matcher) FetchAndMatch(ctx context.Context) {
	since := m.checkpoint()
	maxSeen := since
	var accumulated []Match
	cursor := ""

	for {
		page, nextCursor, err := m.fetchPage(ctx, since, cursor)
		if err != nil {
			m.emitError(fmt.Errorf("matcher: fetching page: %w", err))
			return
		}

		records, decodeErr := wireformat.Decode(page)
		if decodeErr != nil {
			m.log.Errorf("matcher: page truncated, processing %d complete records", len(records))
		}

		pageMatches, err := m.matchPage(ctx, records)
		if err != nil {
			m.emitError(fmt.Errorf("matcher: matching page: %w", err))
			return
		}
		accumulated = append(accumulated, pageMatches...)

		for _, rec := range records {
			if rec.ReportedAtMS > maxSeen {
				maxSeen = rec.ReportedAtMS
			}
		}

		// Release this page's memory before the next fetch and yield
		// to the scheduler, matching the "no computation longer than
		// one page decode between suspensions" discipline of §5.
		records = nil
		page = nil
		runtime.Gosched()

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	if err := m.persistCheckpoint(maxSeen); err != nil {
		m.emitError(fmt.Errorf("matcher: persisting checkpoint: %w", err))
		return
	}

	select {
	case m.matches <- accumulated:
	default:
	}

	if err := m.contactStore.CleanupOldScans(ctx); err != nil {
		m.log.Errorf("matcher: post-pass cleanup failed: %v", err)
	}
}

func (m *Matcher) matchPage(ctx context.Context, records []wireformat.Record) ([]Match, error) {
	if len(records) == 0 {
		return nil, nil
	}

	rpis := make([]string, len(records))
	byRPI := make(map[string]wireformat.Record, len(records))
	for i, rec := range records {
		rpiHex := hex.EncodeToString(rec.RPI[:])
		rpis[i] = rpiHex
		byRPI[rpiHex] = rec
	}

	hits, err := m.contactStore.MatchingScans(ctx, rpis)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, contact := range hits {
		rec, ok := byRPI[contact.PeerRPIHex]
		if !ok {
			continue
		}

		var metadata []byte
		if len(rec.Metadata) > 0 {
			keyBytes, err := hex.DecodeString(contact.PeerMetaKeyHex)
			if err == nil {
				if plaintext, decErr := metacipher.Decrypt(string(rec.Metadata), keyBytes); decErr == nil {
					metadata = plaintext
				}
			}
		}

		matches = append(matches, Match{
			RPIHex:            contact.PeerRPIHex,
			LocalTimestampMS:  contact.TimestampMS,
			ReporterTimestamp: rec.ReportedAtMS,
			Metadata:          metadata,
		})
	}
	return matches, nil
}

func (m *Matcher) fetchPage(ctx context.Context, since float64, cursor string) ([]byte, string, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatFloat(since, 'f', -1, 64))
	q.Set("format", "bin")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.downloadBase+"/v1/download?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	return body, resp.Header.Get("x-vailix-next-cursor"), nil
}

func (m *Matcher) emitError(err error) {
	m.log.Errorf("%v", err)
	select {
	case m.errs <- err:
	default:
	}
}
