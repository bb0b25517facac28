package obf

import "testing"

func TestHeaderParseValidate(t *testing.T) {
	header, err := ParseHeader("1-3")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if header.GenSpec() != "1-3" {
		t.Fatalf("unexpected spec: %s", header.GenSpec())
	}

	if !header.Validate(1) || !header.Validate(2) || !header.Validate(3) {
		t.Fatalf("expected values to validate")
	}
	if header.Validate(0) || header.Validate(4) {
		t.Fatalf("expected values to be invalid")
	}
}

func TestHeaderInvalid(t *testing.T) {
	for _, spec := range []string{"3-1", "", "abc", "1-x", "4294967296"} {
		if _, err := ParseHeader(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}

func TestHeaderGenerateInRange(t *testing.T) {
	header, err := ParseHeader("100-107")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for i := 0; i < 200; i++ {
		if v := header.Generate(); !header.Validate(v) {
			t.Fatalf("generated %d outside range", v)
		}
	}
	single, _ := ParseHeader("42")
	if single.Generate() != 42 || single.GenSpec() != "42" {
		t.Fatalf("single value header mismatch")
	}
}

func TestParseHeadersOverlap(t *testing.T) {
	specs := []string{"1-5", "4-6", "", ""}
	if _, err := ParseHeaders(specs); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestParseHeadersOK(t *testing.T) {
	specs := []string{"1-5", "6-10", "11", ""}
	set, err := ParseHeaders(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.H1 == nil || set.H2 == nil || set.H3 == nil {
		t.Fatalf("expected headers to parse")
	}
	if set.H4 != nil {
		t.Fatalf("empty spec should stay unset")
	}
}

func TestParseHeadersWithDefaults(t *testing.T) {
	set, err := ParseHeadersWithDefaults([]string{"", "", "", "1000-2000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set.H1.Validate(1) || !set.H3.Validate(3) || !set.H4.Validate(1500) {
		t.Fatalf("defaults not applied")
	}
}
