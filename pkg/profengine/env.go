package profengine

// env.go is the one place this module calls os.Getenv: PROFCORE replaces
// IGPROF, PROFCORE_TARGET replaces IGPROF_TARGET. Init calls envSnapshot
// once, at startup; nothing else in the package reads the process
// environment.
//
// Parsing follows IGPROF::initialize's handling of the IGPROF env var as
// comma-separated "key:value" tokens.
//
// © 2025 profcore authors. MIT License.

import (
	"os"
	"strings"
)

// envOverrides holds the subset of PROFCORE tokens this controller acts
// on: an alternate output target and an alternate dump-trigger path.
// Either may be empty, meaning "use what config.go already computed."
type envOverrides struct {
	out  string
	dump string
}

// parseProfcoreEnv parses the PROFCORE environment variable's value: a
// comma-separated list of tokens, most of which name profiler modes (this
// module's concern is only the core, so mode tokens are ignored — a real
// embedding program's mode registry, not profengine, decides which Modes
// to pass to WithModes) and up to one each of
// profcore:out='<path>' / profcore:dump='<path>', where <path> may begin
// with '|' to denote a pipe command, matching IGPROF's own
// igprof:out/igprof:dump tokens verbatim.
func parseProfcoreEnv(raw string) envOverrides {
	var ov envOverrides
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case strings.HasPrefix(tok, "profcore:out="):
			ov.out = unquoteToken(strings.TrimPrefix(tok, "profcore:out="))
		case strings.HasPrefix(tok, "profcore:dump="):
			ov.dump = unquoteToken(strings.TrimPrefix(tok, "profcore:dump="))
		}
	}
	return ov
}

// unquoteToken strips a single layer of matching '...' quotes, the
// quoting convention used for both path tokens.
func unquoteToken(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

// targetMatches reports whether PROFCORE_TARGET, if set, is a substring
// of the running program's image name (os.Args[0]). An unset
// PROFCORE_TARGET always matches: profiling is inactive in a process only
// when the variable is set and does not match, not merely absent.
func targetMatches() bool {
	target := os.Getenv("PROFCORE_TARGET")
	if target == "" {
		return true
	}
	return strings.Contains(os.Args[0], target)
}

// envSnapshot reads PROFCORE and PROFCORE_TARGET once and folds any
// overrides into cfg. Called only from Init.
func (c *Controller) envSnapshot() (active bool) {
	if !targetMatches() {
		return false
	}
	ov := parseProfcoreEnv(os.Getenv("PROFCORE"))
	if ov.out != "" {
		c.cfg.output = ov.out
	}
	if ov.dump != "" {
		c.cfg.dumpFlagPath = ov.dump
	}
	return true
}
