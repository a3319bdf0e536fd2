package energysync

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"ha-energy-sync/internal/logging"
)

// LoadSensorList reads the sensor list file.
func LoadSensorList(path string) ([]SensorDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sensor list: %w", err)
	}
	defer f.Close()
	return ParseSensorList(f)
}

// ParseSensorList parses `statistic_id;series_name` lines. Lines without a
// semicolon and # comments are ignored.
func ParseSensorList(r io.Reader) ([]SensorDefinition, error) {
	log := logging.Component("sensors")
	var out []SensorDefinition
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") || !strings.Contains(line, ";") {
			continue
		}
		id, series, _ := strings.Cut(line, ";")
		id, series = strings.TrimSpace(id), strings.TrimSpace(series)
		if id == "" || series == "" {
			log.Warn().Int("line", lineNo).Str("text", line).Msg("ignoring sensor line with empty id or name")
			continue
		}
		out = append(out, SensorDefinition{StatisticID: id, Series: series})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sensor list: %w", err)
	}
	return out, nil
}
