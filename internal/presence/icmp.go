package presence

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var errNoReply = errors.New("no echo reply")

// ICMPPinger sends echo requests with pro-bing.
type ICMPPinger struct {
	privileged bool
}

// NewICMPPinger creates a pinger. Raw sockets are used on Windows, where
// unprivileged UDP pings are not available; elsewhere privileged can force them.
func NewICMPPinger(privileged bool) *ICMPPinger {
	return &ICMPPinger{privileged: privileged || runtime.GOOS == "windows"}
}

// Ping sends one echo request to addr and waits up to timeout for the reply.
func (p *ICMPPinger) Ping(ctx context.Context, addr string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("create pinger for %s: %w", addr, err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", addr, err)
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return errNoReply
	}
	return nil
}
