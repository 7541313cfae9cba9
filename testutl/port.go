package testutl

import (
	"log/slog"
	"net"
)

// GetPort returns a loopback port that was free a moment ago, for tests
// that need a real listener address before the server starts.
func GetPort() int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := lis.Close(); err != nil {
			slog.Error("failed to release port listener", "error", err)
		}
	}()
	return lis.Addr().(*net.TCPAddr).Port
}
