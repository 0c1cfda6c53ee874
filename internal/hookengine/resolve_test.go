package hookengine

import (
	"debug/elf"
	"testing"
)

func TestNormalizeVersionPadsToThreeComponents(t *testing.T) {
	cases := map[string]string{
		"2":      "2.0.0",
		"2.17":   "2.17.0",
		"2.17.1": "2.17.1",
	}
	for in, want := range cases {
		if got := normalizeVersion(in); got != want {
			t.Fatalf("normalizeVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPickSymbolUnversionedExactMatch(t *testing.T) {
	syms := map[string]elf.Symbol{
		"malloc": {Name: "malloc", Value: 0x100},
	}
	s, version, err := pickSymbol(syms, "malloc", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Value != 0x100 || version != "" {
		t.Fatalf("unexpected match: %+v version=%q", s, version)
	}
}

func TestPickSymbolSelectsConstraintSatisfyingVersion(t *testing.T) {
	syms := map[string]elf.Symbol{
		"pthread_create@2.2.5": {Name: "pthread_create@2.2.5", Value: 0x10},
		"pthread_create@2.34":  {Name: "pthread_create@2.34", Value: 0x20},
	}
	s, version, err := pickSymbol(syms, "pthread_create", ">=2.3")
	if err != nil {
		t.Fatal(err)
	}
	if version != "2.34" {
		t.Fatalf("expected version 2.34, got %q", version)
	}
	if s.Value != 0x20 {
		t.Fatalf("expected to resolve the 2.34 symbol value, got %#x", s.Value)
	}
}

func TestPickSymbolNoSatisfyingVersionErrors(t *testing.T) {
	syms := map[string]elf.Symbol{
		"foo@1.0": {Name: "foo@1.0", Value: 0x10},
	}
	if _, _, err := pickSymbol(syms, "foo", ">=2.0"); err == nil {
		t.Fatalf("expected error when no version satisfies the constraint")
	}
}
