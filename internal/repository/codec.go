package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
)

// fingerprintRecord is the persisted form of a fingerprint. V is absent in
// records written before client brands were tracked.
type fingerprintRecord struct {
	V int `json:"v"`
	models.Fingerprint
}

// EncodeFingerprint serialises fp with the current schema version.
func EncodeFingerprint(fp models.Fingerprint) ([]byte, error) {
	return json.Marshal(fingerprintRecord{V: models.FingerprintSchemaVersion, Fingerprint: fp})
}

// DecodeFingerprint parses a persisted fingerprint. Unversioned records get
// the migrated client brand.
func DecodeFingerprint(data []byte) (models.Fingerprint, error) {
	var rec fingerprintRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Fingerprint{}, fmt.Errorf("%w: fingerprint: %v", ErrInvalidRecord, err)
	}
	if rec.V > models.FingerprintSchemaVersion {
		return models.Fingerprint{}, fmt.Errorf("%w: fingerprint schema %d is newer than %d", ErrInvalidRecord, rec.V, models.FingerprintSchemaVersion)
	}
	if rec.CreatedAt.IsZero() {
		return models.Fingerprint{}, fmt.Errorf("%w: fingerprint without created_at", ErrInvalidRecord)
	}
	fp := rec.Fingerprint
	if rec.V < 2 {
		fp.ClientBrand = models.Some(models.MigratedBrand)
	}
	return fp, nil
}

type bindingRecord struct {
	Key            string            `json:"key"`
	PreferredName  string            `json:"preferred_name"`
	AccountClass   string            `json:"account_class"`
	Trust          string            `json:"trust"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
	TotalPlaytime  time.Duration     `json:"total_playtime_ns"`
	LegacyPlaytime int64             `json:"total_playtime_ms,omitempty"`
	Fingerprints   []json.RawMessage `json:"fingerprints"`
}

// EncodeBinding serialises a whole binding as one JSON document.
func EncodeBinding(b *ledger.Binding) ([]byte, error) {
	rec := bindingRecord{
		Key:           b.Key,
		PreferredName: b.PreferredName,
		AccountClass:  string(b.AccountClass),
		Trust:         string(b.Trust),
		FirstSeen:     b.FirstSeen,
		LastSeen:      b.LastSeen,
		TotalPlaytime: b.TotalPlaytime,
	}
	for _, fp := range b.Fingerprints {
		data, err := EncodeFingerprint(fp)
		if err != nil {
			return nil, err
		}
		rec.Fingerprints = append(rec.Fingerprints, data)
	}
	return json.Marshal(rec)
}

// DecodeBinding parses a document written by EncodeBinding.
func DecodeBinding(data []byte) (*ledger.Binding, error) {
	var rec bindingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: binding: %v", ErrInvalidRecord, err)
	}
	header := BindingHeader{
		Key:           rec.Key,
		PreferredName: rec.PreferredName,
		AccountClass:  rec.AccountClass,
		Trust:         rec.Trust,
		FirstSeen:     rec.FirstSeen,
		LastSeen:      rec.LastSeen,
		TotalPlaytime: rec.TotalPlaytime,
	}
	if header.TotalPlaytime == 0 && rec.LegacyPlaytime > 0 {
		header.TotalPlaytime = time.Duration(rec.LegacyPlaytime) * time.Millisecond
	}
	payloads := make([][]byte, len(rec.Fingerprints))
	for i, raw := range rec.Fingerprints {
		payloads[i] = raw
	}
	return header.Assemble(payloads)
}

// BindingHeader is the scalar part of a binding as backends store it.
type BindingHeader struct {
	Key           string
	PreferredName string
	AccountClass  string
	Trust         string
	FirstSeen     time.Time
	LastSeen      time.Time
	TotalPlaytime time.Duration
}

// Header splits out the scalar fields of b.
func Header(b *ledger.Binding) BindingHeader {
	return BindingHeader{
		Key:           b.Key,
		PreferredName: b.PreferredName,
		AccountClass:  string(b.AccountClass),
		Trust:         string(b.Trust),
		FirstSeen:     b.FirstSeen,
		LastSeen:      b.LastSeen,
		TotalPlaytime: b.TotalPlaytime,
	}
}

// Assemble validates the header and decodes the fingerprint payloads in order.
func (h BindingHeader) Assemble(payloads [][]byte) (*ledger.Binding, error) {
	if h.Key == "" {
		return nil, fmt.Errorf("%w: binding without key", ErrInvalidRecord)
	}
	trust := ledger.TrustLevel(h.Trust)
	if !trust.Valid() {
		return nil, fmt.Errorf("%w: trust level %q", ErrInvalidRecord, h.Trust)
	}
	b := &ledger.Binding{
		Key:           h.Key,
		PreferredName: h.PreferredName,
		AccountClass:  models.Edition(h.AccountClass),
		Trust:         trust,
		FirstSeen:     h.FirstSeen,
		LastSeen:      h.LastSeen,
		TotalPlaytime: h.TotalPlaytime,
		Fingerprints:  make([]models.Fingerprint, 0, len(payloads)),
	}
	for _, p := range payloads {
		fp, err := DecodeFingerprint(p)
		if err != nil {
			return nil, err
		}
		b.Fingerprints = append(b.Fingerprints, fp)
	}
	return b, nil
}
