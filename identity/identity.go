// Package identity derives rolling proximity identifiers (RPIs) and
// per-RPI metadata keys from a device's master secret. Everything here
// is pure and deterministic: given the same master secret and the same
// epoch, two calls on two different processes produce byte-identical
// output. That determinism is the whole point — it lets a device
// regenerate its own historical identifiers on demand instead of
// storing them, and lets it derive per-contact metadata keys without
// ever transmitting them.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
)

// ErrKeyStorageUnavailable is returned by Initialize when the key
// storage collaborator fails on both read and write.
var ErrKeyStorageUnavailable = errors.New("identity: key storage unavailable")

// RPIBytes is the length in raw bytes of a Rolling Proximity Identifier.
const RPIBytes = 16

// MKBytes is the length in raw bytes of a Metadata Key.
const MKBytes = 32

// MasterSecretBytes is the length in raw bytes of the master secret.
const MasterSecretBytes = 32

// KeyStore is the abstract collaborator the identity engine uses to
// persist the master secret. The default implementation lives in
// package keystore; embedders may substitute an OS-keychain-backed one.
type KeyStore interface {
	GetKey(name string) (string, error)
	SetKey(name string, value string) error
}

const masterSecretKeyName = "vailix.master_secret"

// Engine owns the master secret for one installation and derives RPIs
// and metadata keys from it. An Engine is safe for concurrent reads
// once Initialize has returned successfully; the master secret is
// write-once.
type Engine struct {
	store         KeyStore
	epochDuration time.Duration
	masterSecret  []byte // raw bytes, len MasterSecretBytes
	log           logger.Logger
}

// New constructs an Engine. epochDuration must be positive; callers
// validate this as part of sdk.Config before reaching here.
func New(store KeyStore, epochDuration time.Duration, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Sugar
	}
	return &Engine{
		store:         store,
		epochDuration: epochDuration,
		log:           log.WithServiceName("identity"),
	}
}

// Initialize is idempotent. It reads the master secret from key
// storage; if absent, it draws 32 cryptographically secure random
// bytes, hex-encodes them, stores them, and keeps them in memory.
func (e *Engine) Initialize() error {
	if e.masterSecret != nil {
		return nil
	}

	hexSecret, err := e.store.GetKey(masterSecretKeyName)
	if err == nil && hexSecret != "" {
		raw, decodeErr := hex.DecodeString(hexSecret)
		if decodeErr == nil && len(raw) == MasterSecretBytes {
			e.masterSecret = raw
			return nil
		}
		e.log.Errorf("identity: stored master secret was malformed, minting a fresh one")
	}

	raw := make([]byte, MasterSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("%w: drawing random master secret: %v", ErrKeyStorageUnavailable, err)
	}

	if err := e.store.SetKey(masterSecretKeyName, hex.EncodeToString(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStorageUnavailable, err)
	}

	e.masterSecret = raw
	return nil
}

// epochFor returns floor(unixMillis / epochDurationMs).
func (e *Engine) epochFor(t time.Time) int64 {
	epochMS := e.epochDuration.Milliseconds()
	return t.UnixMilli() / epochMS
}

func rpiForEpoch(masterSecret []byte, epoch int64) string {
	mac := hmac.New(sha256.New, masterSecret)
	mac.Write([]byte(strconv.FormatInt(epoch, 10)))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:RPIBytes])
}

// CurrentRPI computes the Rolling Proximity Identifier for the current
// wall-clock epoch: the first 16 bytes of HMAC-SHA256(MS, utf8(epoch)),
// hex-lower encoded (32 characters).
func (e *Engine) CurrentRPI() string {
	return rpiForEpoch(e.masterSecret, e.epochFor(time.Now()))
}

// History returns a lazy sequence of RPIs covering days*epochsPerDay
// epochs, most recent first. The returned function yields one RPI per
// call and reports false once exhausted; callers must not materialize
// more than one epoch's derivation at a time, which this shape
// enforces structurally — there is no slice of "all history" anywhere.
func (e *Engine) History(days int) func() (string, bool) {
	epochsPerDay := int64(24*time.Hour) / e.epochDuration.Nanoseconds()
	total := int64(days) * epochsPerDay
	current := e.epochFor(time.Now())
	var yielded int64

	return func() (string, bool) {
		if yielded >= total {
			return "", false
		}
		epoch := current - yielded
		yielded++
		return rpiForEpoch(e.masterSecret, epoch), true
	}
}

// MetadataKey derives MK(rpi) = HMAC-SHA256(MS, "meta:" || rpiHex),
// truncated to 32 bytes, hex-lower encoded (64 characters).
func (e *Engine) MetadataKey(rpiHex string) string {
	mac := hmac.New(sha256.New, e.masterSecret)
	mac.Write([]byte("meta:" + rpiHex))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:MKBytes])
}

// MasterKey returns the raw master secret bytes. Exposed exactly for
// the encrypted local store's database-open collaborator; no other
// caller should need it.
func (e *Engine) MasterKey() []byte {
	out := make([]byte, len(e.masterSecret))
	copy(out, e.masterSecret)
	return out
}

// DisplayName returns a stable, purely cosmetic pseudonym string
// derived from the current RPI.
func (e *Engine) DisplayName() string {
	rpi := e.CurrentRPI()
	if len(rpi) < 8 {
		return "vailix-" + rpi
	}
	return "vailix-" + rpi[:8]
}
