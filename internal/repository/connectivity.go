package repository

// Connectivity reports whether the remote store is reachable at all. The
// signal gates writes: an offline repository goes straight to the mirror.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// AlwaysOnline is the default connectivity signal for deployments without a
// dedicated monitor.
func AlwaysOnline() Connectivity { return alwaysOnline{} }
