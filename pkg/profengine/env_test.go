package profengine

import "testing"

func TestParseProfcoreEnvExtractsOutAndDump(t *testing.T) {
	ov := parseProfcoreEnv(`cputime, profcore:out='|gzip -c > out.gz', profcore:dump='/tmp/trigger'`)
	if ov.out != "|gzip -c > out.gz" {
		t.Fatalf("unexpected out token: %q", ov.out)
	}
	if ov.dump != "/tmp/trigger" {
		t.Fatalf("unexpected dump token: %q", ov.dump)
	}
}

func TestParseProfcoreEnvIgnoresUnknownTokens(t *testing.T) {
	ov := parseProfcoreEnv("cputime,memory")
	if ov.out != "" || ov.dump != "" {
		t.Fatalf("expected no overrides from mode-only tokens, got %+v", ov)
	}
}

func TestUnquoteTokenStripsSingleQuotes(t *testing.T) {
	if got := unquoteToken("'foo'"); got != "foo" {
		t.Fatalf("expected unquoted foo, got %q", got)
	}
	if got := unquoteToken("bare"); got != "bare" {
		t.Fatalf("expected unquoted value unchanged, got %q", got)
	}
}

func TestEnvSnapshotFoldsOverridesIntoConfig(t *testing.T) {
	t.Setenv("PROFCORE_TARGET", "")
	t.Setenv("PROFCORE", "profcore:out='/tmp/custom.dump'")

	c := &Controller{cfg: config{output: "igprof.profile.gz"}}
	if !c.envSnapshot() {
		t.Fatalf("expected envSnapshot to report active with no PROFCORE_TARGET set")
	}
	if c.cfg.output != "/tmp/custom.dump" {
		t.Fatalf("expected PROFCORE out= token to override configured output, got %q", c.cfg.output)
	}
}

func TestEnvSnapshotMismatchedTargetIsInactive(t *testing.T) {
	t.Setenv("PROFCORE_TARGET", "this-string-will-never-match-argv0")
	t.Setenv("PROFCORE", "")

	c := &Controller{cfg: config{output: "igprof.profile.gz"}}
	if c.envSnapshot() {
		t.Fatalf("expected envSnapshot to report inactive on PROFCORE_TARGET mismatch")
	}
}
