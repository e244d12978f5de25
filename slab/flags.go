package slab

import (
	"fmt"
	"strings"
)

// Flags control the layout and debug behaviour of a cache. They are resolved
// once at CreateCache.
type Flags uint32

const (
	// FlagConsistencyChecks validates slabs and objects on every transition (F).
	FlagConsistencyChecks Flags = 1 << iota
	// FlagRedZone surrounds each object with guard bytes (Z).
	FlagRedZone
	// FlagPoison fills free objects and slab padding with known bytes (P).
	FlagPoison
	// FlagStoreUser records the last alloc and free caller of each object (U).
	FlagStoreUser
	// FlagTrace logs every alloc and free at debug level (T).
	FlagTrace
	// FlagHWCacheAlign aligns objects to the cache line.
	FlagHWCacheAlign
	// FlagPanic makes CreateCache panic instead of returning an error.
	FlagPanic
	// FlagRandomFreelist lays out the initial freelist of each slab in random order.
	FlagRandomFreelist
	// FlagHardenedFreelist obfuscates stored free pointers.
	FlagHardenedFreelist
)

// FlagDebug is the set of flags that route a cache through the debug paths.
const FlagDebug = FlagConsistencyChecks | FlagRedZone | FlagPoison | FlagStoreUser | FlagTrace

// FlagDebugDefault is what an empty debug option list enables.
const FlagDebugDefault = FlagConsistencyChecks | FlagRedZone | FlagPoison | FlagStoreUser

var debugLetters = []struct {
	c    byte
	flag Flags
}{
	{'F', FlagConsistencyChecks},
	{'Z', FlagRedZone},
	{'P', FlagPoison},
	{'U', FlagStoreUser},
	{'T', FlagTrace},
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var b strings.Builder
	for _, l := range debugLetters {
		if f&l.flag != 0 {
			b.WriteByte(l.c)
		}
	}
	if f&FlagHWCacheAlign != 0 {
		b.WriteString("|hwcache")
	}
	if f&FlagRandomFreelist != 0 {
		b.WriteString("|random")
	}
	if f&FlagHardenedFreelist != 0 {
		b.WriteString("|hardened")
	}
	if f&FlagPanic != 0 {
		b.WriteString("|panic")
	}
	return strings.TrimPrefix(b.String(), "|")
}

// DebugBlock is one ';'-separated block of a debug options string.
type DebugBlock struct {
	Flags Flags
	Names []string // Cache names; a trailing '*' matches a prefix
}

// DebugConfig is a parsed debug options string.
type DebugConfig struct {
	Global    Flags // Applies to caches no block names
	HasGlobal bool  // A block without names was present
	Blocks    []DebugBlock
}

// ParseDebug parses a debug options string of the form
//
//	FZPU,name1,name2;P,other*
//
// Each block is a set of option letters followed by optional cache names. A
// block without names sets the flags for every cache not named elsewhere. An
// empty letter set selects F, Z, P and U; "-" disables debugging.
func ParseDebug(s string) (DebugConfig, error) {
	var cfg DebugConfig
	s = strings.TrimSpace(s)
	if s == "" {
		return cfg, nil
	}
	for _, block := range strings.Split(s, ";") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		fields := strings.Split(block, ",")
		flags, err := parseDebugLetters(fields[0])
		if err != nil {
			return DebugConfig{}, err
		}
		var names []string
		for _, n := range fields[1:] {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			cfg.Global, cfg.HasGlobal = flags, true
			continue
		}
		cfg.Blocks = append(cfg.Blocks, DebugBlock{Flags: flags, Names: names})
	}
	return cfg, nil
}

func parseDebugLetters(s string) (Flags, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FlagDebugDefault, nil
	}
	var flags Flags
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			flags = 0
			continue
		}
		found := false
		for _, l := range debugLetters {
			if c == l.c || c == l.c+('a'-'A') {
				flags |= l.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown debug option %q", ErrInvalidArgument, c)
		}
	}
	return flags, nil
}

// Apply returns the creation flags of the named cache with the configured
// debug flags added. The first block naming the cache wins; caches no block
// names get the global flags.
func (d DebugConfig) Apply(name string, flags Flags) Flags {
	for _, b := range d.Blocks {
		for _, n := range b.Names {
			if matchCacheName(n, name) {
				return flags | b.Flags
			}
		}
	}
	if d.HasGlobal {
		if d.Global == 0 {
			return flags &^ FlagDebug
		}
		return flags | d.Global
	}
	return flags
}

func matchCacheName(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
