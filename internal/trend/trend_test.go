package trend

import (
	"encoding/json"
	"testing"
)

func TestFromNightscout(t *testing.T) {
	cases := map[string]Trend{
		"DoubleUp":          RisingFast,
		"SingleUp":          Rising,
		"FortyFiveUp":       RisingSlow,
		"Flat":              Stable,
		"FortyFiveDown":     FallingSlow,
		"SingleDown":        Falling,
		"DoubleDown":        FallingFast,
		"NOT COMPUTABLE":    Unknown,
		"RATE OUT OF RANGE": Unknown,
		"None":              Unknown,
		"":                  Unknown,
		"sideways":          Unknown,
	}
	for in, want := range cases {
		if got := FromNightscout(in); got != want {
			t.Errorf("FromNightscout(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFromLibreLinkUp(t *testing.T) {
	cases := []struct {
		in   any
		want Trend
	}{
		{1, FallingFast},
		{float64(2), Falling},
		{float64(3), Stable},
		{int64(4), Rising},
		{json.Number("5"), RisingFast},
		{"3", Stable},
		{"Rising", Rising},
		{"falling", Falling},
		{"stable", Stable},
		{0, Unknown},
		{6, Unknown},
		{2.5, Unknown},
		{"sideways", Unknown},
		{nil, Unknown},
		{true, Unknown},
	}
	for _, tc := range cases {
		if got := FromLibreLinkUp(tc.in); got != tc.want {
			t.Errorf("FromLibreLinkUp(%#v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, tr := range []Trend{FallingFast, Falling, Stable, Rising, RisingFast} {
		code, ok := tr.Code()
		if !ok {
			t.Fatalf("%s 应有显示代码", tr)
		}
		if back := FromCode(code); back != tr {
			t.Fatalf("FromCode(%d) = %s, want %s", code, back, tr)
		}
	}

	if code, _ := RisingSlow.Code(); code != 4 {
		t.Fatalf("RISING_SLOW code = %d, want 4", code)
	}
	if code, _ := FallingSlow.Code(); code != 2 {
		t.Fatalf("FALLING_SLOW code = %d, want 2", code)
	}
	if _, ok := Unknown.Code(); ok {
		t.Fatal("UNKNOWN must not have a display code")
	}
}

func TestSchedulingView(t *testing.T) {
	if Stable.IsChanging() || Unknown.IsChanging() {
		t.Fatal("STABLE and UNKNOWN are quiet trends")
	}
	for _, tr := range []Trend{RisingFast, Rising, RisingSlow, FallingSlow, Falling, FallingFast} {
		if !tr.IsChanging() {
			t.Fatalf("%s should be changing", tr)
		}
	}

	stable, rising := 3, 4
	if CodeIsChanging(nil) || CodeIsChanging(&stable) {
		t.Fatal("nil and stable codes are quiet")
	}
	if !CodeIsChanging(&rising) {
		t.Fatal("code 4 is changing")
	}
}

func TestSeverityOrder(t *testing.T) {
	order := []Trend{FallingFast, Falling, FallingSlow, Stable, RisingSlow, Rising, RisingFast}
	for i := 1; i < len(order); i++ {
		if order[i-1].Severity() >= order[i].Severity() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Unknown.Severity() != Stable.Severity() {
		t.Fatal("UNKNOWN ranks with STABLE")
	}
}

func TestArrow(t *testing.T) {
	one, three, five, nine := 1, 3, 5, 9
	if Arrow(&one) != "↓↓" || Arrow(&three) != "→" || Arrow(&five) != "↑↑" {
		t.Fatal("unexpected arrow rendering")
	}
	if Arrow(nil) != "?" || Arrow(&nine) != "?" {
		t.Fatal("unknown codes render as ?")
	}
}
