package domain

import (
	"fmt"
	"strings"
	"time"
)

// TankStatus is the operating state reported by (or inferred for) a tank.
type TankStatus string

const (
	StatusIdle    TankStatus = "idle"
	StatusCooling TankStatus = "cooling"
	StatusHeating TankStatus = "heating"
	StatusAlarm   TankStatus = "alarm"
	StatusOffline TankStatus = "offline"
)

// CuverieMode is the coarse setpoint strategy applied to every tank of a cuverie.
type CuverieMode string

const (
	ModeHeat CuverieMode = "HEAT"
	ModeCool CuverieMode = "COOL"
	ModeStop CuverieMode = "STOP"
)

// ParseCuverieMode matches a raw mode string case-insensitively.
// The boolean is false for anything outside HEAT/COOL/STOP.
func ParseCuverieMode(raw string) (CuverieMode, bool) {
	switch CuverieMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeHeat:
		return ModeHeat, true
	case ModeCool:
		return ModeCool, true
	case ModeStop:
		return ModeStop, true
	}
	return "", false
}

// TankContents describes what a tank currently holds. Grape is the primary
// descriptor and the only field the devices understand; the rest lives in the
// registry only.
type TankContents struct {
	Grape        string  `json:"grape"`
	Vintage      int     `json:"vintage"`
	VolumeLiters float64 `json:"volumeLiters"`
	Notes        string  `json:"notes,omitempty"`
}

// TemperatureSample is one point of a tank's bounded history.
type TemperatureSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HistoryCap bounds the per-tank temperature history kept in the registry.
const HistoryCap = 48

// Tank is a monitored fermentation vessel. Index is the stable identifier
// assigned by configuration; it joins configuration, telemetry topics and
// commands. Temperature and Setpoint are nil until first observed.
type Tank struct {
	Index            int                 `json:"ix"`
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Status           TankStatus          `json:"status"`
	Temperature      *float64            `json:"temperature,omitempty"`
	Setpoint         *float64            `json:"setpoint,omitempty"`
	CapacityLiters   float64             `json:"capacityLiters"`
	FillLevelPercent float64             `json:"fillLevelPercent"`
	Contents         *TankContents       `json:"contents,omitempty"`
	IsRunning        bool                `json:"isRunning"`
	LastUpdatedAt    time.Time           `json:"lastUpdatedAt"`
	History          []TemperatureSample `json:"history"`
	Alarms           []string            `json:"alarms"`
	CuverieID        string              `json:"cuverieId,omitempty"`
	IsDeleted        bool                `json:"isDeleted"`
}

// Clone returns a deep copy so store callers can never alias registry state.
func (t Tank) Clone() Tank {
	out := t
	if t.Temperature != nil {
		v := *t.Temperature
		out.Temperature = &v
	}
	if t.Setpoint != nil {
		v := *t.Setpoint
		out.Setpoint = &v
	}
	if t.Contents != nil {
		c := *t.Contents
		out.Contents = &c
	}
	out.History = append([]TemperatureSample(nil), t.History...)
	out.Alarms = append([]string(nil), t.Alarms...)
	return out
}

// TankID derives the display identifier from the owning cuverie and the
// configured index, e.g. "tank-01" or "chai-nord-tank-07".
func TankID(cuverieID string, index int) string {
	if cuverieID == "" || cuverieID == DefaultCuverieID {
		return fmt.Sprintf("tank-%02d", index)
	}
	return fmt.Sprintf("%s-tank-%02d", cuverieID, index)
}

// DefaultCuverieID is the canonical id for unnamed facilities.
const DefaultCuverieID = "default"

// TankDescriptor is one entry of a cuverie's configured tank set.
type TankDescriptor struct {
	ID          string `json:"id"`
	Index       int    `json:"ix"`
	DisplayName string `json:"displayName"`
	Order       int    `json:"order"`
}

// Cuverie is a named group of tanks. Its descriptor set is the source of
// truth for which tanks are currently configured.
type Cuverie struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Tanks []TankDescriptor `json:"tanks"`
}

// Clone returns a deep copy of the cuverie.
func (c Cuverie) Clone() Cuverie {
	out := c
	out.Tanks = append([]TankDescriptor(nil), c.Tanks...)
	return out
}

// CuverieWithMode is the shape carried by config-changed events.
type CuverieWithMode struct {
	Cuverie
	Mode CuverieMode `json:"mode"`
}

// AlarmSeverity grades an alarm.
type AlarmSeverity string

const (
	SeverityInfo     AlarmSeverity = "info"
	SeverityWarning  AlarmSeverity = "warning"
	SeverityCritical AlarmSeverity = "critical"
)

// Alarm is one entry of the authoritative alarm ledger. Acknowledged only
// ever transitions false to true.
type Alarm struct {
	ID           string        `json:"id"`
	TankIndex    int           `json:"tankIx"`
	Severity     AlarmSeverity `json:"severity"`
	Message      string        `json:"message"`
	TriggeredAt  time.Time     `json:"triggeredAt"`
	Acknowledged bool          `json:"acknowledged"`
}

// EventCategory classifies audit events.
type EventCategory string

const (
	EventCommand   EventCategory = "command"
	EventTelemetry EventCategory = "telemetry"
	EventAlarm     EventCategory = "alarm"
)

// EventSource names who caused an audit event.
type EventSource string

const (
	SourceUser    EventSource = "user"
	SourceSystem  EventSource = "system"
	SourceBackend EventSource = "backend"
)

// EventLogEntry is one append-only audit record.
type EventLogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	TankIndex *int              `json:"tankIx,omitempty"`
	Category  EventCategory     `json:"category"`
	Source    EventSource       `json:"source"`
	Summary   string            `json:"summary"`
	Details   string            `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AlarmThresholds are the temperature bounds that raise threshold alarms.
type AlarmThresholds struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

// UserPreferences are display preferences stored with the settings.
type UserPreferences struct {
	Locale          string `json:"locale"`
	TemperatureUnit string `json:"temperatureUnit"`
	Theme           string `json:"theme"`
}

// MQTTSettings are the bus connection parameters exposed through settings.
type MQTTSettings struct {
	URL             string        `json:"url,omitempty"`
	Username        string        `json:"username,omitempty"`
	Password        string        `json:"password,omitempty"`
	ReconnectPeriod time.Duration `json:"reconnectPeriod"`
	EnableMock      bool          `json:"enableMock"`
}

// Settings is the wholesale-merge settings document; each sub-object is
// independently patchable.
type Settings struct {
	AlarmThresholds AlarmThresholds `json:"alarmThresholds"`
	Preferences     UserPreferences `json:"preferences"`
	MQTT            MQTTSettings    `json:"mqtt"`
}

// SettingsPatch carries a partial settings update; nil sub-objects are left
// untouched.
type SettingsPatch struct {
	AlarmThresholds *AlarmThresholds `json:"alarmThresholds,omitempty"`
	Preferences     *UserPreferences `json:"preferences,omitempty"`
	MQTT            *MQTTSettings    `json:"mqtt,omitempty"`
}
