package carriers

import (
	"log/slog"
	"strings"
	"time"
)

// Форматы дат, встречающиеся у вендоров. Каждый адаптер объявляет свой
// список; парсинг защитный — непарсящийся таймстемп не роняет обработку,
// а заменяется на now() с warning в логе.
var CommonTimeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
	"02/01/2006 15:04:05",
	"2006-01-02",
	"02 Jan 2006 15:04",
	"02 Jan, 2006",
}

// ParseVendorTime пробует форматы по порядку. ok=false означает фолбэк на
// текущее время.
func ParseVendorTime(carrierCode string, formats []string, raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Now().UTC(), false
	}
	for _, f := range formats {
		if t, err := time.ParseInLocation(f, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	slog.Warn("unparseable vendor timestamp, falling back to now",
		"carrier", carrierCode, "raw", s)
	return time.Now().UTC(), false
}
