package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/cocovax/cuveris/internal/domain"
)

// DefaultConfigTopic is where the fleet publishes its configuration
// snapshot; overridable through MQTT_CONFIG_TOPIC.
const DefaultConfigTopic = "global/config/fleet"

// ModeTopicPattern matches every cuverie's mode topic.
const ModeTopicPattern = "global/prod/+/mode"

const (
	tankTopicPrefix = "tank/"

	fieldTemp     = "temp"
	fieldSetpoint = "setpoint"
	fieldState    = "state"
	fieldContents = "contents"
)

func modeTopic(cuverieName string) string {
	return "global/prod/" + cuverieName + "/mode"
}

func tankTopic(index int, field string) string {
	return fmt.Sprintf("tank/%d/%s", index, field)
}

func tankCommandTopic(index int, command string) string {
	return fmt.Sprintf("tank/%d/set/%s", index, command)
}

// tankTopics lists the four telemetry topics subscribed per known tank.
func tankTopics(index int) []string {
	return []string{
		tankTopic(index, fieldTemp),
		tankTopic(index, fieldSetpoint),
		tankTopic(index, fieldState),
		tankTopic(index, fieldContents),
	}
}

// parseModeTopic extracts the cuverie name from global/prod/<name>/mode.
func parseModeTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, "global/prod/") || !strings.HasSuffix(topic, "/mode") {
		return "", false
	}
	segments := strings.Split(topic, "/")
	if len(segments) != 4 || segments[2] == "" {
		return "", false
	}
	return segments[2], true
}

// parseTankTopic extracts index and field from tank/<ix>/<field>.
func parseTankTopic(topic string) (int, string, bool) {
	if !strings.HasPrefix(topic, tankTopicPrefix) {
		return 0, "", false
	}
	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return 0, "", false
	}
	index, err := strconv.Atoi(segments[1])
	if err != nil {
		return 0, "", false
	}
	return index, segments[2], true
}

// SlugifyCuverieID normalizes a raw cuverie name into its stable id:
// case-folded, accents stripped, non-word characters dropped, whitespace
// runs collapsed to "-". Empty and "default" names map to "default".
func SlugifyCuverieID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, domain.DefaultCuverieID) {
		return domain.DefaultCuverieID
	}
	folded := strings.ToLower(trimmed)
	stripped, _, err := transform.String(
		transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), folded)
	if err == nil {
		folded = stripped
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingDash = true
		}
	}
	if b.Len() == 0 {
		return domain.DefaultCuverieID
	}
	return b.String()
}
