package models

// ConnectionAttempt is what the host reports for one login. Empty strings
// and nil pointers mean the client did not send the signal.
type ConnectionAttempt struct {
	DisplayName string  `json:"display_name"`
	IP          string  `json:"ip"`
	Edition     Edition `json:"edition"`

	PlatformID  string `json:"platform_id,omitempty"`
	SecondaryID string `json:"secondary_id,omitempty"`

	ClientBrand      string `json:"client_brand,omitempty"`
	DeviceOS         string `json:"device_os,omitempty"`
	ProtocolVersion  string `json:"protocol_version,omitempty"`
	ModListHash      string `json:"mod_list_hash,omitempty"`
	ResourcePackHash string `json:"resource_pack_hash,omitempty"`
	Viewport         string `json:"viewport,omitempty"`
	Locale           string `json:"locale,omitempty"`
	DisplayOptions   string `json:"display_options,omitempty"`

	TCPTTL *int `json:"tcp_ttl,omitempty"`
	TCPMSS *int `json:"tcp_mss,omitempty"`
}
