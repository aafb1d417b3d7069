// Package trend defines the canonical glucose trend vocabulary shared by every
// CGM provider, together with the lookups from provider-native trend values.
package trend

import (
	"math"
	"strconv"
	"strings"
)

// Trend is the canonical direction/rate-of-change of the glucose value.
type Trend string

const (
	RisingFast  Trend = "RISING_FAST"
	Rising      Trend = "RISING"
	RisingSlow  Trend = "RISING_SLOW"
	Stable      Trend = "STABLE"
	FallingSlow Trend = "FALLING_SLOW"
	Falling     Trend = "FALLING"
	FallingFast Trend = "FALLING_FAST"
	Unknown     Trend = "UNKNOWN"
)

// StableCode is the display code of a flat trend.
const StableCode = 3

var severity = map[Trend]int{
	FallingFast: -3,
	Falling:     -2,
	FallingSlow: -1,
	Stable:      0,
	RisingSlow:  1,
	Rising:      2,
	RisingFast:  3,
}

// 1-5 arrow scale; the slow variants collapse onto their neighbours.
var codes = map[Trend]int{
	FallingFast: 1,
	Falling:     2,
	FallingSlow: 2,
	Stable:      StableCode,
	RisingSlow:  4,
	Rising:      4,
	RisingFast:  5,
}

var arrows = map[int]string{
	1: "↓↓",
	2: "↓",
	3: "→",
	4: "↑",
	5: "↑↑",
}

var libreWords = map[string]Trend{
	"falling":        Falling,
	"fallingquickly": FallingFast,
	"stable":         Stable,
	"rising":         Rising,
	"risingquickly":  RisingFast,
}

var nightscoutDirections = map[string]Trend{
	"DoubleUp":      RisingFast,
	"SingleUp":      Rising,
	"FortyFiveUp":   RisingSlow,
	"Flat":          Stable,
	"FortyFiveDown": FallingSlow,
	"SingleDown":    Falling,
	"DoubleDown":    FallingFast,
}

// Code maps the trend onto the 1-5 display scale. Unknown has no code.
func (t Trend) Code() (int, bool) {
	code, ok := codes[t]
	return code, ok
}

// Severity orders trends by signed rate of change (-3 falling fast .. +3 rising fast).
// Unknown ranks with Stable.
func (t Trend) Severity() int {
	return severity[t]
}

// IsChanging reports whether the value is actively rising or falling.
// Unknown is treated as Stable.
func (t Trend) IsChanging() bool {
	return t.Severity() != 0
}

// String implements fmt.Stringer.
func (t Trend) String() string {
	if t == "" {
		return string(Unknown)
	}
	return string(t)
}

// FromCode converts a stored display code back into a canonical trend.
func FromCode(code int) Trend {
	switch code {
	case 1:
		return FallingFast
	case 2:
		return Falling
	case 3:
		return Stable
	case 4:
		return Rising
	case 5:
		return RisingFast
	default:
		return Unknown
	}
}

// CodeIsChanging is the scheduling view of a stored, nullable code.
func CodeIsChanging(code *int) bool {
	if code == nil {
		return false
	}
	return FromCode(*code).IsChanging()
}

// Arrow renders a stored, nullable trend code.
func Arrow(code *int) string {
	if code == nil {
		return "?"
	}
	if arrow, ok := arrows[*code]; ok {
		return arrow
	}
	return "?"
}

// FromLibreLinkUp maps a LibreLinkUp TrendArrow value, numeric or textual.
func FromLibreLinkUp(raw any) Trend {
	switch v := raw.(type) {
	case int:
		return fromLibreNumber(v)
	case int64:
		return fromLibreNumber(int(v))
	case float64:
		if v != math.Trunc(v) {
			return Unknown
		}
		return fromLibreNumber(int(v))
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return Unknown
		}
		return fromLibreNumber(int(n))
	case string:
		word := strings.ToLower(strings.TrimSpace(v))
		if n, err := strconv.Atoi(word); err == nil {
			return fromLibreNumber(n)
		}
		if t, ok := libreWords[word]; ok {
			return t
		}
	}
	return Unknown
}

func fromLibreNumber(n int) Trend {
	if n < 1 || n > 5 {
		return Unknown
	}
	return FromCode(n)
}

// FromNightscout maps a Nightscout direction string.
func FromNightscout(direction string) Trend {
	if t, ok := nightscoutDirections[strings.TrimSpace(direction)]; ok {
		return t
	}
	return Unknown
}
