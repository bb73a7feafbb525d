// Package tuner serves the HDHomeRun-compatible HTTP surface Plex uses to
// discover the device and enumerate its channel lineup: discover.json,
// device.xml, lineup.json, and lineup_status.json.
package tuner

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"

	"github.com/tunerbridge/tunerd/internal/model"
)

// NoLineupCap disables the lineup size cap.
const NoLineupCap = 0

// defaultLineupCap matches the channel count Plex's DVR import historically
// tolerates without pagination.
const defaultLineupCap = 480

// Device describes the tuner identity, sourced from settings.
type Device struct {
	FriendlyName    string
	Manufacturer    string
	ModelNumber     string
	FirmwareName    string
	FirmwareVersion string
	DeviceID        string
	DeviceAuth      string
	BaseURL         string
	TunerCount      int
}

// ChannelLister supplies the current lineup; the Surface never owns
// channel state itself.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
}

// Surface implements the four tuner-emulation endpoints.
type Surface struct {
	Device    func() Device
	Channels  ChannelLister
	LineupCap int
}

// New returns a Surface with the default lineup cap.
func New(device func() Device, channels ChannelLister) *Surface {
	return &Surface{Device: device, Channels: channels, LineupCap: defaultLineupCap}
}

type discoverDoc struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// ServeDiscover handles GET /discover.json.
func (s *Surface) ServeDiscover(w http.ResponseWriter, r *http.Request) {
	d := s.Device()
	doc := discoverDoc{
		FriendlyName:    d.FriendlyName,
		Manufacturer:    d.Manufacturer,
		ModelNumber:     d.ModelNumber,
		FirmwareName:    d.FirmwareName,
		FirmwareVersion: d.FirmwareVersion,
		DeviceID:        d.DeviceID,
		DeviceAuth:      d.DeviceAuth,
		BaseURL:         d.BaseURL,
		LineupURL:       d.BaseURL + "/lineup.json",
		TunerCount:      d.TunerCount,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

type upnpDevice struct {
	XMLName     xml.Name `xml:"root"`
	Xmlns       string   `xml:"xmlns,attr"`
	URLBase     string   `xml:"URLBase"`
	SpecVersion struct {
		Major int `xml:"major"`
		Minor int `xml:"minor"`
	} `xml:"specVersion"`
	Device struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		ModelNumber  string `xml:"modelNumber"`
		SerialNumber string `xml:"serialNumber"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// ServeDeviceXML handles GET /device.xml.
func (s *Surface) ServeDeviceXML(w http.ResponseWriter, r *http.Request) {
	d := s.Device()
	doc := upnpDevice{Xmlns: "urn:schemas-upnp-org:device-1-0", URLBase: d.BaseURL}
	doc.SpecVersion.Major = 1
	doc.Device.DeviceType = "urn:schemas-upnp-org:device:MediaServer:1"
	doc.Device.FriendlyName = d.FriendlyName
	doc.Device.Manufacturer = d.Manufacturer
	doc.Device.ModelName = d.ModelNumber
	doc.Device.ModelNumber = d.ModelNumber
	doc.Device.SerialNumber = d.DeviceID
	doc.Device.UDN = "uuid:" + d.DeviceID

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	enc.Encode(doc)
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// ServeLineup handles GET /lineup.json.
func (s *Surface) ServeLineup(w http.ResponseWriter, r *http.Request) {
	chans, err := s.Channels.ListChannels(r.Context())
	if err != nil {
		http.Error(w, "lineup unavailable", http.StatusInternalServerError)
		return
	}
	limit := s.LineupCap
	if limit == NoLineupCap || limit <= 0 {
		limit = len(chans)
	}
	if limit > len(chans) {
		limit = len(chans)
	}
	base := s.Device().BaseURL
	out := make([]lineupEntry, 0, limit)
	for i := 0; i < limit; i++ {
		ch := chans[i]
		out = append(out, lineupEntry{
			GuideNumber: ch.GuideNumber,
			GuideName:   ch.GuideName,
			URL:         base + "/stream/" + ch.ID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ServeLineupStatus handles GET /lineup_status.json. The tuner never
// performs a background scan, so it always reports a finished, idle scan.
func (s *Surface) ServeLineupStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}
