// Package bootstrap adopts sockets handed down by a service manager
// instead of binding fresh ones — the legacy --listen-fds mode. This is
// pure socket-inheritance plumbing with no domain logic of its own, and
// no library in the example pool addresses systemd-style fd passing, so
// it is built directly on net.FilePacketConn (see
// DESIGN.md for why this one corner stays on the standard library).
package bootstrap

import (
	"fmt"
	"net"
	"os"

	"github.com/randomstuff/dnsfwd/internal/dns/config"
)

// listenFDsStart is the first inherited file descriptor, matching the
// sd_listen_fds convention (systemd passes descriptors starting at 3;
// fd 0-2 remain stdin/stdout/stderr).
const listenFDsStart = 3

// InheritedPacketConnCount reports how many inherited descriptors are
// available starting at fd 3. A service manager normally publishes this
// via LISTEN_FDS; lacking that, a single --listen-fds flag without
// manager support still adopts exactly one descriptor (spec's fallback).
func InheritedPacketConnCount() int {
	if n, ok := os.LookupEnv("LISTEN_FDS"); ok {
		var count int
		if _, err := fmt.Sscanf(n, "%d", &count); err == nil && count > 0 {
			return count
		}
	}
	return 1
}

// AdoptUDPListenFDs wraps every inherited descriptor as a *net.UDPConn.
// cfg is only used for logging context (host/port are already baked into
// the manager-provided sockets); it has no effect on which descriptors
// are adopted.
func AdoptUDPListenFDs(cfg *config.ListenFDsConfig) ([]*net.UDPConn, error) {
	count := InheritedPacketConnCount()
	conns := make([]*net.UDPConn, 0, count)
	for i := 0; i < count; i++ {
		fd := uintptr(listenFDsStart + i)
		name := fmt.Sprintf("listen-fds-%s:%d#%d", cfg.Host, cfg.Port, i)
		file := os.NewFile(fd, name)
		if file == nil {
			return nil, fmt.Errorf("listen-fds: fd %d is not valid", fd)
		}
		pc, err := net.FilePacketConn(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("listen-fds: adopting fd %d: %w", fd, err)
		}
		udpConn, ok := pc.(*net.UDPConn)
		if !ok {
			pc.Close()
			return nil, fmt.Errorf("listen-fds: fd %d is not a UDP socket", fd)
		}
		conns = append(conns, udpConn)
	}
	return conns, nil
}
