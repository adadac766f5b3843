// SPDX-License-Identifier: MIT

// Package procgroup starts external tools in their own process group so that
// cancelling a command reaps the whole child tree. ffmpeg and whisper both
// fork helpers; killing only the leader leaves those orphaned on the box.
package procgroup

import (
	"os/exec"
	"time"
)

// killDelay is how long a command gets after the group signal before the
// runtime escalates to a hard kill.
const killDelay = 5 * time.Second

// Configure places cmd in a fresh process group and installs a Cancel hook
// that signals the entire group on context cancellation. Must be called
// before cmd.Start.
func Configure(cmd *exec.Cmd) {
	set(cmd)
	cmd.Cancel = func() error { return signalGroup(cmd) }
	cmd.WaitDelay = killDelay
}
