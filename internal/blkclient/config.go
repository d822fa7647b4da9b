package blkclient

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Client init params. ConfText is the bdev table as text - the framework hands
// the config *content* through its params map, not a path, so thats what we take.
type Config struct {
	ClientName 	string
	MaxInflight int 	// simultaneous native ios, clamped between the max request fanout and the ring size
	ConfText 	string
}

// One line per bdev:
//   <devId> <type> <attach> <direct> <path> sec=<cookie>
// devId decimal or 0x-hex, type f=plain file k=kernel bdev, direct D/N.
// '#' starts a comment. The attach column is carried but unused here.
type BdevDef struct {
	DevId 	uint64
	Kind 	byte
	Direct 	bool
	Path 	string
	Cookie 	string
}

func parseConf(text string) (map[uint64]BdevDef, error) {
	defs := make(map[uint64]BdevDef)

	sc := bufio.NewScanner(strings.NewReader(text))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		f := strings.Fields(line)
		if len(f) == 0 { continue }
		if len(f) < 5 {
			return nil, fmt.Errorf("conf line %d: want 5+ fields, got %d", lineno, len(f))
		}

		devId, err := strconv.ParseUint(f[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("conf line %d: bad devId %q", lineno, f[0])
		}
		if _, dup := defs[devId]; dup {
			return nil, fmt.Errorf("conf line %d: duplicate bdev 0x%x", lineno, devId)
		}

		def := BdevDef{
			DevId: 	devId,
			Kind: 	f[1][0],
			Direct: f[3] == "D",
			Path: 	f[4],
		}
		if len(f) > 5 {
			def.Cookie = strings.TrimPrefix(f[5], "sec=")
		}
		defs[devId] = def
	}
	return defs, nil
}
