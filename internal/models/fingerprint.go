package models

import "time"

// Edition is the account class of a client.
type Edition string

const (
	EditionJava    Edition = "java"
	EditionBedrock Edition = "bedrock"
)

// FingerprintSchemaVersion is written alongside every persisted fingerprint.
// Records without a version predate client brand tracking.
const FingerprintSchemaVersion = 2

// MigratedBrand marks fingerprints loaded from records written before
// FingerprintSchemaVersion 2.
const MigratedBrand = "migrated_v2"

// GeoSignals are the location fields shared by snapshots and fingerprints.
type GeoSignals struct {
	Country       Signal[string]  `json:"country"`
	Continent     Signal[string]  `json:"continent"`
	Region        Signal[string]  `json:"region"`
	City          Signal[string]  `json:"city"`
	Latitude      Signal[float64] `json:"latitude"`
	Longitude     Signal[float64] `json:"longitude"`
	Timezone      Signal[string]  `json:"timezone"`
	Postal        Signal[string]  `json:"postal"`
	CallingCode   Signal[string]  `json:"calling_code"`
	ASN           Signal[string]  `json:"asn"`
	Organization  Signal[string]  `json:"organization"`
	ISP           Signal[string]  `json:"isp"`
	ReverseDomain Signal[string]  `json:"reverse_domain"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (g GeoSignals) HasCoordinates() bool {
	return g.Latitude.Valid && g.Longitude.Valid
}

// Fingerprint is one immutable observation of a connecting client. Network
// heuristics are stored only as keyed hashes.
type Fingerprint struct {
	PlatformID  Signal[string] `json:"platform_id"`
	SecondaryID Signal[string] `json:"secondary_id"`
	Edition     Signal[string] `json:"edition"`

	IPVersion     Signal[string] `json:"ip_version"`
	SubnetHash    Signal[string] `json:"subnet_hash"`
	PseudoASNHash Signal[string] `json:"pseudo_asn_hash"`
	PTRHash       Signal[string] `json:"ptr_hash"`
	TCPTTL        Signal[int]    `json:"tcp_ttl"`
	TCPMSS        Signal[int]    `json:"tcp_mss"`

	ClientBrand      Signal[string] `json:"client_brand"`
	DeviceOS         Signal[string] `json:"device_os"`
	ProtocolVersion  Signal[string] `json:"protocol_version"`
	ModListHash      Signal[string] `json:"mod_list_hash"`
	ResourcePackHash Signal[string] `json:"resource_pack_hash"`
	Viewport         Signal[string] `json:"viewport"`
	Locale           Signal[string] `json:"locale"`
	DisplayOptions   Signal[string] `json:"display_options"`

	Geo GeoSignals `json:"geo"`

	CreatedAt time.Time `json:"created_at"`
}

// Equal compares every signal field. CreatedAt is ignored so that repeated
// observations of the same client de-duplicate.
func (f Fingerprint) Equal(other Fingerprint) bool {
	f.CreatedAt = time.Time{}
	other.CreatedAt = time.Time{}
	return f == other
}

// WithGeo returns a copy carrying the given location signals.
func (f Fingerprint) WithGeo(g GeoSignals) Fingerprint {
	f.Geo = g
	return f
}
