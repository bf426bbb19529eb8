package health

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTCPProbe_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := TCPProbe(ln.Addr().String())
	require.NoError(t, probe(context.Background()))
}

func TestTCPProbe_Unreachable(t *testing.T) {
	// Grab a free port and close the listener so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	probe := TCPProbe(addr)
	require.Error(t, probe(context.Background()))
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "healthy", StatusHealthy.String())
	require.Equal(t, "degraded", StatusDegraded.String())
	require.Equal(t, "unhealthy", StatusUnhealthy.String())
	require.Equal(t, "unknown", StatusUnknown.String())
}

func TestStatusZeroValueIsUnknown(t *testing.T) {
	// A zero-valued Check must read as unknown, never healthy, so a map
	// miss can never satisfy an incident's all-healthy resolution check.
	var zero Check
	require.Equal(t, StatusUnknown, zero.Status)
}
