package tuner

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http/httptest"
	"testing"

	"github.com/tunerbridge/tunerd/internal/model"
)

type fakeLister struct{ channels []model.Channel }

func (f fakeLister) ListChannels(ctx context.Context) ([]model.Channel, error) {
	return f.channels, nil
}

func testDevice() Device {
	return Device{
		FriendlyName: "tunerd", Manufacturer: "tunerbridge", ModelNumber: "HDTC-2US",
		DeviceID: "TUNERD0001", BaseURL: "http://127.0.0.1:5004", TunerCount: 2,
	}
}

func TestServeDiscoverFieldsMatchDevice(t *testing.T) {
	s := New(testDevice, fakeLister{})
	rec := httptest.NewRecorder()
	s.ServeDiscover(rec, httptest.NewRequest("GET", "/discover.json", nil))
	var doc discoverDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc.TunerCount != 2 || doc.DeviceID != "TUNERD0001" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.LineupURL != "http://127.0.0.1:5004/lineup.json" {
		t.Errorf("LineupURL = %q", doc.LineupURL)
	}
}

func TestServeLineupCapsAtLimit(t *testing.T) {
	chans := make([]model.Channel, 5)
	for i := range chans {
		chans[i] = model.Channel{ID: "c", GuideNumber: "1", GuideName: "n"}
	}
	s := New(testDevice, fakeLister{channels: chans})
	s.LineupCap = 3
	rec := httptest.NewRecorder()
	s.ServeLineup(rec, httptest.NewRequest("GET", "/lineup.json", nil))
	var out []lineupEntry
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 3 {
		t.Errorf("lineup length = %d, want 3", len(out))
	}
}

func TestServeLineupNoCapReturnsAll(t *testing.T) {
	chans := []model.Channel{{ID: "a"}, {ID: "b"}}
	s := New(testDevice, fakeLister{channels: chans})
	s.LineupCap = NoLineupCap
	rec := httptest.NewRecorder()
	s.ServeLineup(rec, httptest.NewRequest("GET", "/lineup.json", nil))
	var out []lineupEntry
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 2 {
		t.Errorf("lineup length = %d, want 2", len(out))
	}
}

func TestServeLineupURLPointsAtStreamEndpoint(t *testing.T) {
	chans := []model.Channel{{ID: "ch42", GuideNumber: "42.1", GuideName: "Test"}}
	s := New(testDevice, fakeLister{channels: chans})
	rec := httptest.NewRecorder()
	s.ServeLineup(rec, httptest.NewRequest("GET", "/lineup.json", nil))
	var out []lineupEntry
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out[0].URL != "http://127.0.0.1:5004/stream/ch42" {
		t.Errorf("URL = %q", out[0].URL)
	}
}

func TestServeDeviceXMLWellFormed(t *testing.T) {
	s := New(testDevice, fakeLister{})
	rec := httptest.NewRecorder()
	s.ServeDeviceXML(rec, httptest.NewRequest("GET", "/device.xml", nil))
	if rec.Header().Get("Content-Type") != "application/xml" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	var doc upnpDevice
	body := rec.Body.Bytes()
	// skip the xml.Header prefix before decoding
	for i, b := range body {
		if b == '<' && i > 0 {
			body = body[i:]
			break
		}
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("invalid xml: %v", err)
	}
	if doc.Device.FriendlyName != "tunerd" {
		t.Errorf("FriendlyName = %q", doc.Device.FriendlyName)
	}
}

func TestServeLineupStatusReportsIdle(t *testing.T) {
	s := New(testDevice, fakeLister{})
	rec := httptest.NewRecorder()
	s.ServeLineupStatus(rec, httptest.NewRequest("GET", "/lineup_status.json", nil))
	var out map[string]any
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["ScanInProgress"].(float64) != 0 {
		t.Errorf("ScanInProgress = %v", out["ScanInProgress"])
	}
}
