//go:build windows

package main

import "os"

// Windows has no SIGHUP or SIGUSR1; use the HTTP control API instead.
var (
	reloadSignal os.Signal
	wakeSignal   os.Signal
)
