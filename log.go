package dmalloc

import "go.uber.org/zap"

var processLogger = zap.NewNop()

// SetLogger installs the structured logger used by arenas created after
// this call (including the lazily-initialized default arena). It has no
// effect on arenas already constructed via NewArena. The core
// allocate/free fast paths never log regardless of this setting (spec §7).
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	processLogger = l
}
