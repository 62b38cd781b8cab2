package util

import "testing"

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "***" {
		t.Errorf("MaskToken(short) = %q, want ***", got)
	}
	long := "eyJhbGciOiJSUzI1NiIsImtpZCI6IjEifQ.payload.signature1234"
	got := MaskToken(long)
	if got != "..."+long[len(long)-12:] {
		t.Errorf("MaskToken(long) = %q", got)
	}
}

func TestVerboseOverride(t *testing.T) {
	prev := IsVerbose()
	t.Cleanup(func() { SetVerbose(prev) })

	SetVerbose(true)
	if !IsVerbose() {
		t.Fatal("expected verbose after SetVerbose(true)")
	}
	SetVerbose(false)
	if IsVerbose() {
		t.Fatal("expected quiet after SetVerbose(false)")
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"1", "true", "YES", " yes "} {
		if !parseBool(s) {
			t.Errorf("parseBool(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "0", "no", "off"} {
		if parseBool(s) {
			t.Errorf("parseBool(%q) = true, want false", s)
		}
	}
}
