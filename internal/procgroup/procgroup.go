// Package procgroup spawns and reaps subprocess trees. The pipeline runs
// every external tool (resolver helper, ffprobe, ffmpeg) in its own process
// group so a timeout can take down the tool and all of its children.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group.
// Mandatory for KillGroup to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree: SIGTERM, grace period,
// then SIGKILL. The process MUST have been spawned with procgroup.Set(cmd).
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
