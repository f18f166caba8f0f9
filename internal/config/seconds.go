package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Seconds decodes either a number of seconds (fractions allowed) or a Go
// duration string such as "1500ms".
type Seconds time.Duration

func (s *Seconds) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		d, err := time.ParseDuration(strings.TrimSpace(str))
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", str, err)
		}
		*s = Seconds(d)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse seconds %s: %w", raw, err)
	}
	*s = Seconds(time.Duration(f * float64(time.Second)))
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}
