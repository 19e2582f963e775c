package doxie

import "fmt"

// SSDPServiceType is the service type string a Doxie scanner answers
// M-SEARCH queries for.
const SSDPServiceType = "urn:schemas-getdoxie-com:device:Scanner:1"

// authUsername is the fixed account name the device expects for basic auth.
// It is the same for every Doxie per the API documentation.
const authUsername = "doxie"

// Mode is the wireless operating mode reported by the device.
type Mode string

const (
	// ModeHost means the scanner runs its own access point.
	ModeHost Mode = "Host"
	// ModeClient means the scanner joined an existing wireless network.
	ModeClient Mode = "Client"
)

// Identity holds the device attributes loaded once at client construction.
// All fields are immutable after load.
type Identity struct {
	Model        string
	Name         string
	MAC          string // unique hardware address, keys the credential store
	Mode         Mode
	FirmwareWiFi string
	Network      string // joined network name, present only in Client mode
}

// String renders the identity as a human-readable label, e.g.
// "Doxie model DX250 (Doxie_0591E2) at http://192.168.1.5:8080/".
func (id Identity) String() string {
	return fmt.Sprintf("Doxie model %s (%s)", id.Model, id.Name)
}

// Scan is one device-reported scan record from a listing.
// Records are never cached; name is the primary key within one listing
// and is a device-side path such as "/DOXIE/JPEG/IMG_0001.JPG".
type Scan struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// helloResponse is the wire shape of the hello endpoint. Pointer fields
// let the parser distinguish "absent" from "zero" so identity loading can
// fail closed on missing required attributes.
type helloResponse struct {
	Model        *string `json:"model"`
	Name         *string `json:"name"`
	MAC          *string `json:"MAC"`
	Mode         *string `json:"mode"`
	Network      *string `json:"network"`
	FirmwareWiFi *string `json:"firmwareWiFi"`
	HasPassword  *bool   `json:"hasPassword"`
}

// helloExtraResponse is the wire shape of the costly hello_extra endpoint.
type helloExtraResponse struct {
	Firmware                 *string `json:"firmware"`
	ConnectedToExternalPower *bool   `json:"connectedToExternalPower"`
}
