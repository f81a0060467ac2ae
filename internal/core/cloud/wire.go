package cloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trymwestin/smartgrade/internal/core/state"
)

// flexString accepts JSON strings and numbers; the API is not consistent
// about id types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

type rawSite struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
}

type rawDevice struct {
	ID       flexString `json:"id"`
	Name     string     `json:"name"`
	MAC      string     `json:"mac"`
	Type     string     `json:"type"`
	SiteID   flexString `json:"site_id"`
	SiteName string     `json:"site_name"`
	Switch1  *bool      `json:"switch_1"`
	Switch2  *bool      `json:"switch_2"`
	Switch3  *bool      `json:"switch_3"`
	Online   *bool      `json:"online"`
	TotalKWh *float64   `json:"total_kwh"`
	Energy   *float64   `json:"energy"`
}

func (r rawDevice) switches() []bool {
	var out []bool
	for _, p := range []*bool{r.Switch1, r.Switch2, r.Switch3} {
		if p == nil {
			break
		}
		out = append(out, *p)
	}
	if len(out) == 0 {
		out = []bool{false}
	}
	return out
}

func (r rawDevice) energy() *float64 {
	if r.TotalKWh != nil {
		return r.TotalKWh
	}
	return r.Energy
}

func (r rawDevice) observation(site state.Site) state.Observation {
	sw := r.switches()
	dev := state.Device{
		ID:          string(r.ID),
		MAC:         r.MAC,
		Name:        r.Name,
		Type:        r.Type,
		SiteID:      string(r.SiteID),
		SiteName:    r.SiteName,
		SwitchCount: len(sw),
	}
	if dev.SiteID == "" {
		dev.SiteID = site.ID
	}
	if dev.SiteName == "" {
		dev.SiteName = site.Name
	}
	if dev.Name == "" {
		dev.Name = dev.ID
	}
	t := strings.ToLower(dev.Type)
	dev.SupportsEnergy = r.energy() != nil || strings.Contains(t, "heater") || strings.Contains(t, "boiler")

	online := true
	if r.Online != nil {
		online = *r.Online
	}
	return state.Observation{Device: dev, Switches: sw, Online: online, EnergyKWh: r.energy()}
}

type rawTimer struct {
	ID      flexString `json:"id"`
	Time    string     `json:"time"`
	Action  string     `json:"action"`
	Days    []string   `json:"days"`
	Enabled *bool      `json:"enabled"`
	NextRun *float64   `json:"next_run"`
}

func (r rawTimer) timer(deviceID string) state.Timer {
	t := state.Timer{
		ID:       string(r.ID),
		DeviceID: deviceID,
		Time:     r.Time,
		Action:   state.Action(strings.ToLower(r.Action)),
		Days:     r.Days,
		Enabled:  true,
	}
	if t.Days == nil {
		t.Days = []string{}
	}
	if r.Enabled != nil {
		t.Enabled = *r.Enabled
	}
	if r.NextRun != nil && *r.NextRun > 0 {
		nr := time.Unix(int64(*r.NextRun), 0)
		t.NextRun = &nr
	}
	return t
}

// TimerSpec is the body of a timer creation request.
type TimerSpec struct {
	Time   string       `json:"time"`
	Action state.Action `json:"action"`
	Days   []string     `json:"days"`
}

// decodeList accepts either a bare JSON array or an object wrapping the
// array under key.
func decodeList[T any](data []byte, key string) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errNoList)
	}
	var out []T
	if data[0] == '[' {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	raw, ok := wrapped[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", errNoList, key)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

// decodeObject accepts an object either bare or wrapped under key.
func decodeObject[T any](data []byte, key string) (T, error) {
	var out T
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return out, err
	}
	if raw, ok := wrapped[key]; ok && len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		data = raw
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// parseEnergy extracts a kWh total from the kwh endpoint. Both a summary
// object and a list of samples are seen in the wild.
func parseEnergy(data []byte) (float64, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, fmt.Errorf("cloud: empty energy response")
	}

	if v, err := strconv.ParseFloat(string(data), 64); err == nil {
		return v, nil
	}

	keys := []string{"total_kwh", "kwh", "total", "energy", "value"}

	if data[0] == '[' {
		var samples []map[string]any
		if err := json.Unmarshal(data, &samples); err != nil {
			return 0, fmt.Errorf("cloud: decode energy: %w", err)
		}
		var sum float64
		for _, s := range samples {
			if v, ok := firstNumber(s, keys); ok {
				sum += v
			}
		}
		return sum, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, fmt.Errorf("cloud: decode energy: %w", err)
	}
	if v, ok := firstNumber(obj, keys); ok {
		return v, nil
	}
	if nested, ok := obj["data"]; ok {
		b, _ := json.Marshal(nested)
		return parseEnergy(b)
	}
	return 0, fmt.Errorf("cloud: no kWh value in energy response")
}

func firstNumber(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
