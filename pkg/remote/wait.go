package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

// Reachability polling parameters. The budget is cumulative across
// attempts; delays grow geometrically and are capped so a machine
// booting slowly is still probed regularly.
const (
	waitBudget    = 300 * time.Second
	waitBaseDelay = time.Second
	waitMaxDelay  = 15 * time.Second
	dialTimeout   = 5 * time.Second
)

// WaitHost blocks until host accepts TCP connections on port. On budget
// exhaustion it fails with a Timeout carrying the final I/O error.
func WaitHost(ctx context.Context, host string, port int) error {
	return waitHost(ctx, host, port, waitBudget)
}

func waitHost(ctx context.Context, host string, port int, budget time.Duration) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	deadline := time.Now().Add(budget)
	delay := waitBaseDelay

	log.Debug().Str("addr", addr).Msg("Waiting for host to come up.")

	var lastErr error
	for {
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().Add(delay).After(deadline) {
			return apperrors.WrapTimeout("waiting for "+addr, budget, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > waitMaxDelay {
			delay = waitMaxDelay
		}
	}
}
