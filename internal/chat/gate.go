package chat

import "sync/atomic"

// permissionGate holds the latest microphone permission reported by the client
type permissionGate struct {
	granted atomic.Bool
}

func (g *permissionGate) Granted() bool {
	return g.granted.Load()
}

func (g *permissionGate) set(granted bool) {
	g.granted.Store(granted)
}
