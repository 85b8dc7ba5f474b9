package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/vailix-dev/vailix/wireformat"
)

// reportRequestEntry mirrors one element of the report JSON body (§6).
type reportRequestEntry struct {
	RPI               string `json:"rpi"`
	EncryptedMetadata string `json:"encryptedMetadata"`
}

type reportRequest struct {
	Reports []reportRequestEntry `json:"reports"`
}

// Handlers bundles the server's HTTP endpoints against one Storage.
type Handlers struct {
	storage *Storage
	cfg     Config
	log     logger.Logger
}

// NewHandlers constructs Handlers.
func NewHandlers(storage *Storage, cfg Config, log logger.Logger) *Handlers {
	if log == nil {
		log = logger.Sugar
	}
	return &Handlers{storage: storage, cfg: cfg, log: log.WithServiceName("server")}
}

// Health responds 200 OK with no body. It sits outside the
// authenticated surface (§4.7).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Report handles POST /v1/report: validates the body schema, converts
// hex RPIs to 16-byte binaries, and performs an unordered bulk upsert.
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	if err := checkAttestation(r.Context(), h.cfg, r.Header.Get("x-attest-token")); err != nil {
		http.Error(w, "attestation failed", http.StatusForbidden)
		return
	}

	var body reportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	if err := wireformat.ValidateBatchSize(len(body.Reports)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := make([]IngestEntry, len(body.Reports))
	for i, e := range body.Reports {
		if err := wireformat.ValidateRPIHex(e.RPI); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := wireformat.ValidateEncryptedMetadata(e.EncryptedMetadata); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		raw, err := hex.DecodeString(e.RPI)
		if err != nil || len(raw) != wireformat.RPIBytes {
			http.Error(w, wireformat.ErrInvalidRPIHex.Error(), http.StatusBadRequest)
			return
		}
		var rpi [16]byte
		copy(rpi[:], raw)
		entries[i] = IngestEntry{RPI: rpi, Metadata: e.EncryptedMetadata}
	}

	if err := h.storage.Ingest(r.Context(), entries); err != nil {
		h.log.Errorf("server: ingest failed: %v", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// jsonDownloadRecord is the JSON echo shape for format=json.
type jsonDownloadRecord struct {
	RPI          string  `json:"rpi"`
	ReportedAtMS float64 `json:"reportedAtMs"`
	Metadata     string  `json:"metadata,omitempty"`
}

// Download handles GET /v1/download: since (ms, default 0), optional
// cursor, format (bin default, json optional). since and cursor are
// AND-applied by storage; the x-vailix-next-cursor response header
// carries the next cursor, empty when exhausted.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sinceMS := int64(0)
	if raw := q.Get("since"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceMS = parsed
		}
	}
	since := time.UnixMilli(sinceMS).UTC()

	cursor := q.Get("cursor")
	format := q.Get("format")
	if format == "" {
		format = "bin"
	}

	page, err := h.storage.Download(r.Context(), since, cursor, DefaultDownloadPageLimit)
	if err != nil {
		h.log.Errorf("server: download failed: %v", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("x-vailix-next-cursor", page.NextCursor)

	if format == "json" {
		out := make([]jsonDownloadRecord, len(page.Docs))
		for i, doc := range page.Docs {
			rec := jsonDownloadRecord{
				RPI:          hex.EncodeToString(doc.RPI),
				ReportedAtMS: float64(doc.CreatedAt.UnixMilli()),
			}
			if doc.Metadata != nil {
				rec.Metadata = *doc.Metadata
			}
			out[i] = rec
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
		return
	}

	records := make([]wireformat.Record, len(page.Docs))
	for i, doc := range page.Docs {
		var rec wireformat.Record
		copy(rec.RPI[:], doc.RPI)
		rec.ReportedAtMS = float64(doc.CreatedAt.UnixMilli())
		if doc.Metadata != nil {
			rec.Metadata = []byte(*doc.Metadata)
		}
		records[i] = rec
	}

	encoded, err := wireformat.Encode(records)
	if err != nil {
		h.log.Errorf("server: encoding download page failed: %v", err)
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(encoded)
}
