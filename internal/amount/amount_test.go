package amount

import (
	"math/big"
	"testing"
)

func TestRawFromHuman(t *testing.T) {
	cases := []struct {
		human    string
		decimals int
		want     string
	}{
		{"1.5", 18, "1500000000000000000"},
		{"10", 6, "10000000"},
		{"2.5m", 6, "2500000000000"},
		{"1000k", 0, "1000000"},
		{"0.000001", 6, "1"},
		{"0.0000001", 6, "0"}, // truncated toward zero
		{"0", 18, "0"},
	}
	for _, tc := range cases {
		got, err := RawFromHuman(tc.human, tc.decimals)
		if err != nil {
			t.Fatalf("RawFromHuman(%q, %d) failed: %v", tc.human, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("RawFromHuman(%q, %d) = %s, want %s", tc.human, tc.decimals, got, tc.want)
		}
	}
}

func TestRawFromHumanRejectsBadInput(t *testing.T) {
	for _, bad := range []string{"", "abc", "1.2.3", "-5", "10x"} {
		if _, err := RawFromHuman(bad, 18); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := RawFromHuman("1", -1); err == nil {
		t.Fatal("expected error for negative decimals")
	}
}

func TestHumanRawRoundTrip(t *testing.T) {
	cases := []struct {
		raw      string
		decimals int
	}{
		{"2500000", 18},
		{"1", 0},
		{"1000000000000000000", 18},
		{"123456789", 6},
		{"0", 8},
	}
	for _, tc := range cases {
		raw, _ := new(big.Int).SetString(tc.raw, 10)
		human := HumanFromRaw(raw, tc.decimals)
		back, err := RawFromHuman(human, tc.decimals)
		if err != nil {
			t.Fatalf("round trip parse failed for %s: %v", human, err)
		}
		if back.Cmp(raw) != 0 {
			t.Fatalf("round trip %s (d=%d): got %s via %q", tc.raw, tc.decimals, back, human)
		}
	}
}

func TestHumanFromRawScaling(t *testing.T) {
	raw := big.NewInt(2_500_000)
	if got := HumanFromRaw(raw, 18); got != "0.0000000000025" {
		t.Fatalf("unexpected scaled form: %s", got)
	}
	if got := HumanFromRaw(big.NewInt(1500000), 6); got != "1.5" {
		t.Fatalf("unexpected scaled form: %s", got)
	}
}

func TestDisplaySigFig(t *testing.T) {
	cases := []struct {
		raw      string
		decimals int
		sigFigs  int
		want     string
	}{
		{"1500000000000000000000000", 18, 3, "1.5m"},
		{"41283923799", 6, 8, "41.283923k"},
		{"42914321000", 15, 2, "0.000042"},
		{"0", 18, 6, "0"},
		{"1000000000000000000", 18, 6, "1"},
	}
	for _, tc := range cases {
		raw, _ := new(big.Int).SetString(tc.raw, 10)
		if got := DisplaySigFig(raw, tc.decimals, tc.sigFigs); got != tc.want {
			t.Fatalf("DisplaySigFig(%s, %d, %d) = %q, want %q", tc.raw, tc.decimals, tc.sigFigs, got, tc.want)
		}
	}
}
