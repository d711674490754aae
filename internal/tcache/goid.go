package tcache

import (
	"bytes"
	"runtime"
	"strconv"
)

// CurrentGoroutineID returns an identifier for the calling goroutine,
// parsed from the header line of runtime.Stack. Go exposes no public
// thread/goroutine identity API and no thread-exit hook equivalent to
// pthread_key_create's destructor, which spec §3/§4.4 assume; this is
// the standard lightweight technique for recovering one, and the only
// place in this module that depends on the runtime.Stack text format
// rather than a documented API. See Registry.ReapIdle for how teardown
// is approximated without a true exit hook.
func CurrentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(line []byte) int64 {
	const prefix = "goroutine "
	line = bytes.TrimPrefix(line, []byte(prefix))
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		line = line[:i]
	}
	id, _ := strconv.ParseInt(string(line), 10, 64)
	return id
}

// LiveGoroutineIDs returns the ids of every goroutine currently known
// to the runtime. Used only by the idle reaper, never on a fast path.
func LiveGoroutineIDs() map[int64]bool {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}
	ids := make(map[int64]bool)
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("goroutine ")) {
			continue
		}
		ids[parseGoroutineID(line)] = true
	}
	return ids
}
