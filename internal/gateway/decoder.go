package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cocovax/cuveris/internal/domain"
)

// MessageKind tags the decode result.
type MessageKind int

const (
	// KindIgnored marks bus traffic the gateway silently skips: unknown
	// topics, unmapped enum values, malformed scalars.
	KindIgnored MessageKind = iota
	KindConfigSnapshot
	KindModeChange
	KindTankUpdate
)

// ModeChange carries a decoded cuverie mode message.
type ModeChange struct {
	CuverieID string
	Mode      domain.CuverieMode
}

// TankUpdate carries the decoded per-tank field updates. Nil fields were
// not present in the message.
type TankUpdate struct {
	Index       int
	Temperature *float64
	Setpoint    *float64
	Status      *domain.TankStatus
	IsRunning   *bool
	Contents    *string // primary descriptor (grape) only
}

// Message is the closed sum of everything the bus can say to us.
type Message struct {
	Kind     MessageKind
	Snapshot []domain.Cuverie
	Mode     ModeChange
	Tank     TankUpdate
}

var ignored = Message{Kind: KindIgnored}

// deviceStates maps the fleet's state vocabulary onto tank statuses.
// Unmapped values are dropped.
var deviceStates = map[string]domain.TankStatus{
	"COLD": domain.StatusCooling,
	"HOT":  domain.StatusHeating,
	"WAIT": domain.StatusIdle,
	"STOP": domain.StatusIdle,
}

// Decoder turns raw bus messages into typed domain operations. It performs
// no I/O and never fails: anything it cannot understand becomes KindIgnored.
type Decoder struct {
	configTopic string
}

// NewDecoder creates a decoder listening for snapshots on configTopic.
func NewDecoder(configTopic string) *Decoder {
	if configTopic == "" {
		configTopic = DefaultConfigTopic
	}
	return &Decoder{configTopic: configTopic}
}

// Decode translates one topic/payload pair.
func (d *Decoder) Decode(topic string, payload []byte) Message {
	if topic == d.configTopic {
		return decodeConfig(payload)
	}
	if name, ok := parseModeTopic(topic); ok {
		return decodeMode(name, payload)
	}
	if index, field, ok := parseTankTopic(topic); ok {
		return decodeTankField(index, field, payload)
	}
	return decodeLegacy(topic, payload)
}

// wire shapes of the configuration snapshot
type wireSnapshotEntry struct {
	Facility string            `json:"facility"`
	Tanks    []json.RawMessage `json:"tanks"`
}

type wireTankDescriptor struct {
	ID   *int   `json:"id"`
	IX   *int   `json:"ix"`
	Name string `json:"name"`
}

func decodeConfig(payload []byte) Message {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return ignored
	}

	var entries []json.RawMessage
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return ignored
		}
	} else {
		entries = []json.RawMessage{json.RawMessage(raw)}
	}

	var snapshot []domain.Cuverie
	for _, entry := range entries {
		var wireEntry wireSnapshotEntry
		// non-object members are skipped, not fatal
		if err := json.Unmarshal(entry, &wireEntry); err != nil {
			continue
		}
		name := wireEntry.Facility
		if strings.TrimSpace(name) == "" {
			name = domain.DefaultCuverieID
		}
		cuverieID := SlugifyCuverieID(name)

		var descriptors []domain.TankDescriptor
		for position, rawTank := range wireEntry.Tanks {
			var wireTank wireTankDescriptor
			if err := json.Unmarshal(rawTank, &wireTank); err != nil {
				continue
			}
			index := position
			switch {
			case wireTank.IX != nil:
				index = *wireTank.IX
			case wireTank.ID != nil:
				index = *wireTank.ID
			}
			order := position
			if wireTank.ID != nil {
				order = *wireTank.ID
			}
			displayName := wireTank.Name
			if displayName == "" {
				displayName = fmt.Sprintf("Tank %d", position+1)
			}
			descriptors = append(descriptors, domain.TankDescriptor{
				ID:          domain.TankID(cuverieID, index),
				Index:       index,
				DisplayName: displayName,
				Order:       order,
			})
		}
		snapshot = append(snapshot, domain.Cuverie{
			ID:    cuverieID,
			Name:  name,
			Tanks: descriptors,
		})
	}
	if snapshot == nil {
		// a well-formed empty array is still a valid snapshot: it clears
		// the configuration. Only unparseable payloads are dropped.
		if strings.HasPrefix(raw, "[") {
			return Message{Kind: KindConfigSnapshot}
		}
		return ignored
	}
	return Message{Kind: KindConfigSnapshot, Snapshot: snapshot}
}

func decodeMode(cuverieName string, payload []byte) Message {
	mode, ok := domain.ParseCuverieMode(string(payload))
	if !ok {
		return ignored
	}
	return Message{Kind: KindModeChange, Mode: ModeChange{
		CuverieID: SlugifyCuverieID(cuverieName),
		Mode:      mode,
	}}
}

func decodeTankField(index int, field string, payload []byte) Message {
	raw := strings.TrimSpace(string(payload))
	update := TankUpdate{Index: index}

	switch field {
	case fieldTemp:
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ignored
		}
		update.Temperature = &value
	case fieldSetpoint:
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ignored
		}
		update.Setpoint = &value
	case fieldState:
		state := strings.ToUpper(raw)
		status, ok := deviceStates[state]
		if !ok {
			return ignored
		}
		running := state == "COLD" || state == "HOT"
		update.Status = &status
		update.IsRunning = &running
	case fieldContents:
		if raw == "" {
			return ignored
		}
		update.Contents = &raw
	default:
		return ignored
	}
	return Message{Kind: KindTankUpdate, Tank: update}
}

// decodeLegacy handles the old JSON telemetry shape: an object carrying an
// explicit ix/id plus field values, with the topic segment as a last-resort
// identifier source.
func decodeLegacy(topic string, payload []byte) Message {
	var legacy struct {
		IX          *int     `json:"ix"`
		ID          *int     `json:"id"`
		Temperature *float64 `json:"temperature"`
		Setpoint    *float64 `json:"setpoint"`
		Status      *string  `json:"status"`
		IsRunning   *bool    `json:"isRunning"`
	}
	if err := json.Unmarshal(payload, &legacy); err != nil {
		return ignored
	}

	var index int
	switch {
	case legacy.IX != nil:
		index = *legacy.IX
	case legacy.ID != nil:
		index = *legacy.ID
	default:
		segments := strings.Split(topic, "/")
		if len(segments) < 2 {
			return ignored
		}
		parsed, err := strconv.Atoi(segments[1])
		if err != nil {
			return ignored
		}
		index = parsed
	}

	update := TankUpdate{
		Index:       index,
		Temperature: legacy.Temperature,
		Setpoint:    legacy.Setpoint,
		IsRunning:   legacy.IsRunning,
	}
	if legacy.Status != nil {
		status := domain.TankStatus(*legacy.Status)
		switch status {
		case domain.StatusIdle, domain.StatusCooling, domain.StatusHeating,
			domain.StatusAlarm, domain.StatusOffline:
			update.Status = &status
		}
	}
	if update.Temperature == nil && update.Setpoint == nil &&
		update.Status == nil && update.IsRunning == nil {
		return ignored
	}
	return Message{Kind: KindTankUpdate, Tank: update}
}
