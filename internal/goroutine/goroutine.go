// Package goroutine provides best-effort goroutine introspection for startup
// diagnostics: the current goroutine's ID and per-goroutine stack captures.
// The runtime offers no stable API for either, so both are parsed out of
// runtime.Stack output. Callers must treat the results as diagnostic hints,
// never as program logic inputs.
package goroutine

import (
	"bytes"
	"runtime"
	"strconv"
	"strings"
)

// ID returns the ID of the calling goroutine, or 0 when it cannot be
// determined.
func ID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	return parseHeaderID(buf[:n])
}

// CaptureAll returns the stack of every live goroutine, keyed by goroutine
// ID. Each value is the full textual stack block as produced by
// runtime.Stack, header line included.
func CaptureAll() map[uint64]string {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}

	stacks := make(map[uint64]string)
	for _, block := range bytes.Split(buf, []byte("\n\n")) {
		if len(block) == 0 {
			continue
		}
		if id := parseHeaderID(block); id != 0 {
			stacks[id] = string(block)
		}
	}
	return stacks
}

// parseHeaderID extracts the goroutine ID from a "goroutine N [state]:"
// header line.
func parseHeaderID(block []byte) uint64 {
	const prefix = "goroutine "
	s := string(block)
	if !strings.HasPrefix(s, prefix) {
		return 0
	}
	s = s[len(prefix):]
	end := strings.IndexByte(s, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
