package rollback

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration разбирает длительность вида 1w2d3h4m5s. Части можно опускать,
// порядок произвольный. Число без единицы трактуется как секунды.
// Нулевая или неразобранная длительность возвращает *InvalidDurationError.
func ParseDuration(input string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return 0, &InvalidDurationError{Input: input}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, &InvalidDurationError{Input: input}
		}
		if n > math.MaxInt64/int64(time.Second) {
			return 0, &InvalidDurationError{Input: input}
		}
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, &InvalidDurationError{Input: input}
		}
		unit, ok := durationUnits[s[i]]
		if !ok {
			return 0, &InvalidDurationError{Input: input}
		}
		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, &InvalidDurationError{Input: input}
		}
		// Переполнение int64 наносекунд
		if n > math.MaxInt64/int64(unit) {
			return 0, &InvalidDurationError{Input: input}
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return 0, &InvalidDurationError{Input: input}
		}
		total += part
		s = s[i+1:]
	}

	if total <= 0 {
		return 0, &InvalidDurationError{Input: input}
	}
	return total, nil
}
