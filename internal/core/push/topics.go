package push

import (
	"fmt"
	"strings"
)

// Topics builds SmartGrade broker topics for one account domain.
type Topics struct {
	Domain string
}

// Power is where a device reports switch deltas.
func (t Topics) Power(key string) string {
	return fmt.Sprintf("s/%s/%s/power", t.Domain, key)
}

// Sensor carries readings we do not consume (energy is poll-only).
func (t Topics) Sensor(key string) string {
	return fmt.Sprintf("s/%s/%s/sensor", t.Domain, key)
}

// Command is where switch commands are published for a device.
func (t Topics) Command(key string) string {
	return t.Power(key) + "/set"
}

// parseTopic splits s/{domain}/{key}/{kind}.
func parseTopic(topic string) (key, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "s" || parts[2] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
