package hookengine

// resolve.go locates a named symbol inside a loaded shared library by
// reading /proc/self/maps for the library's load address and its own ELF
// dynamic symbol table for the symbol's offset, then adding the two —
// without dlopen/dlsym and without cgo.
//
// Grounded on other_examples' golang-debug/gocore process.go (ELF/DWARF
// symbol resolution via debug/elf without cgo) and
// original_source/hook.h's hook(function, version, library, ...) overload,
// which accepts an optional shared-object name and an optional version
// constraint string. Concurrent resolution of the same (library, symbol)
// pair is deduplicated with golang.org/x/sync/singleflight, mirroring the
// teacher's loader.go dedup pattern applied here to hook installs instead
// of cache loads.
//
// © 2025 profcore authors. MIT License.

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"
)

// ResolvedSymbol is the outcome of locating symbol in library: its
// absolute runtime address and the size of its ELF symbol-table entry
// (an upper bound on how many prologue bytes are safe to inspect).
type ResolvedSymbol struct {
	Address uintptr
	Size    uint64
	Version string
}

// Resolver caches per-library ELF symbol tables and load-base lookups so
// repeated Resolve calls (one per Hook during Controller.Init) don't
// re-parse /proc/self/maps or re-open the same shared object.
type Resolver struct {
	mu      sync.Mutex
	bases   map[string]uintptr
	symbols map[string]map[string]elf.Symbol
	group   singleflight.Group
}

// NewResolver constructs an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		bases:   make(map[string]uintptr),
		symbols: make(map[string]map[string]elf.Symbol),
	}
}

// Resolve locates symbolName within library (a basename match against
// /proc/self/maps entries, e.g. "libc.so.6"; the empty string means "the
// main executable"). When versionConstraint is non-empty and the symbol
// table carries a "name@version" or "name@@version" suffixed alias, only
// a version satisfying the semver constraint is accepted.
//
// Concurrent Resolve calls for the same (library, symbolName) pair share
// one underlying ELF parse via singleflight, so initialising many hooks
// in parallel at startup does not redundantly reopen the same library.
func (r *Resolver) Resolve(library, symbolName, versionConstraint string) (ResolvedSymbol, error) {
	key := library + "\x00" + symbolName + "\x00" + versionConstraint
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveOnce(library, symbolName, versionConstraint)
	})
	if err != nil {
		return ResolvedSymbol{}, err
	}
	return v.(ResolvedSymbol), nil
}

func (r *Resolver) resolveOnce(library, symbolName, versionConstraint string) (ResolvedSymbol, error) {
	base, path, err := r.loadBase(library)
	if err != nil {
		return ResolvedSymbol{}, &Error{Status: StatusErrLibraryNotFound, Symbol: symbolName, Detail: err.Error()}
	}

	syms, err := r.symbolTable(path)
	if err != nil {
		return ResolvedSymbol{}, &Error{Status: StatusErrLibraryNotFound, Symbol: symbolName, Detail: err.Error()}
	}

	sym, version, err := pickSymbol(syms, symbolName, versionConstraint)
	if err != nil {
		return ResolvedSymbol{}, &Error{Status: StatusErrSymbolNotFound, Symbol: symbolName, Detail: err.Error()}
	}

	return ResolvedSymbol{
		Address: base + uintptr(sym.Value),
		Size:    sym.Size,
		Version: version,
	}, nil
}

// pickSymbol finds the best match for name among syms. Versioned aliases
// are keyed as "name@version"; an unversioned exact match is preferred
// when no constraint is given, otherwise the highest version satisfying
// the constraint wins.
func pickSymbol(syms map[string]elf.Symbol, name, constraint string) (elf.Symbol, string, error) {
	if constraint == "" {
		if s, ok := syms[name]; ok {
			return s, "", nil
		}
	}

	c, err := parseConstraint(constraint)
	if err != nil {
		return elf.Symbol{}, "", fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	var bestVer *semver.Version
	var best elf.Symbol
	var bestRaw string
	prefix := name + "@"
	for key, s := range syms {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw := strings.TrimPrefix(key, prefix)
		raw = strings.TrimPrefix(raw, "@") // tolerate the "@@" default-version marker
		ver, err := semver.NewVersion(normalizeVersion(raw))
		if err != nil {
			continue
		}
		if c != nil && !c.Check(ver) {
			continue
		}
		if bestVer == nil || ver.GreaterThan(bestVer) {
			bestVer, best, bestRaw = ver, s, raw
		}
	}
	if bestVer == nil {
		return elf.Symbol{}, "", fmt.Errorf("no version of %q satisfies %q", name, constraint)
	}
	return best, bestRaw, nil
}

func parseConstraint(constraint string) (*semver.Constraints, error) {
	if constraint == "" {
		return nil, nil
	}
	return semver.NewConstraint(constraint)
}

// normalizeVersion pads glibc-style "2.17" version strings into full
// semver ("2.17.0") since semver.NewVersion requires three components.
func normalizeVersion(raw string) string {
	parts := strings.Split(raw, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts[:3], ".")
}

// loadBase returns the load address and backing file path of library by
// scanning /proc/self/maps. An empty library name resolves to the first
// file-backed mapping whose path does not contain ".so" (normally the main
// binary), and that mapping's start address is returned.
func (r *Resolver) loadBase(library string) (uintptr, string, error) {
	r.mu.Lock()
	if base, ok := r.bases[library]; ok {
		r.mu.Unlock()
		return base, r.pathFor(library), nil
	}
	r.mu.Unlock()

	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if library != "" && !strings.Contains(path, library) {
			continue
		}
		if library == "" && strings.Contains(path, ".so") {
			continue
		}
		addrRange := fields[0]
		lo, err := strconv.ParseUint(strings.Split(addrRange, "-")[0], 16, 64)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.bases[library] = uintptr(lo)
		r.pathCache(library, path)
		r.mu.Unlock()
		return uintptr(lo), path, nil
	}
	return 0, "", fmt.Errorf("no mapping found for library %q", library)
}

// pathCache/pathFor stash the resolved backing file path alongside the
// base address; split out from bases so loadBase's cache-hit branch can
// still return a path without re-scanning maps.
var pathCacheMu sync.Mutex
var pathCacheMap = map[string]string{}

func (r *Resolver) pathCache(library, path string) {
	pathCacheMu.Lock()
	pathCacheMap[library] = path
	pathCacheMu.Unlock()
}

func (r *Resolver) pathFor(library string) string {
	pathCacheMu.Lock()
	defer pathCacheMu.Unlock()
	return pathCacheMap[library]
}

// symbolTable parses path's ELF dynamic symbol table, caching the result.
func (r *Resolver) symbolTable(path string) (map[string]elf.Symbol, error) {
	r.mu.Lock()
	if tbl, ok := r.symbols[path]; ok {
		r.mu.Unlock()
		return tbl, nil
	}
	r.mu.Unlock()

	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		// Static binaries carry ordinary symbols instead of dynsyms.
		syms, err = f.Symbols()
		if err != nil {
			return nil, err
		}
	}

	tbl := make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		tbl[s.Name] = s
	}

	r.mu.Lock()
	r.symbols[path] = tbl
	r.mu.Unlock()
	return tbl, nil
}
