//go:build !windows

package pty

import (
	"os"
	"os/exec"

	upstreampty "github.com/creack/pty/v2"
)

// unixHandle adapts *os.File (creack/pty/v2's master end) to the handle
// interface.
type unixHandle struct {
	f *os.File
}

func (h unixHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h unixHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h unixHandle) Close() error                { return h.f.Close() }

func (h unixHandle) Resize(cols, rows uint16) error {
	return upstreampty.Setsize(h.f, &upstreampty.Winsize{Cols: cols, Rows: rows})
}

// probe reports whether this process can allocate a PTY. On Unix this is
// true unless /dev/ptmx is unavailable (e.g. a locked-down container).
func probe() bool {
	ptmx, tty, err := upstreampty.Open()
	if err != nil {
		return false
	}
	_ = ptmx.Close()
	_ = tty.Close()
	return true
}

// startAttach spawns "tmux attach-session -t <target>" wired to a PTY sized
// cols x rows. Adapted from the teacher's startTmuxAttach/reattachTmux:
// TERM is forced to xterm-256color so the inner program's terminfo lookups
// match what a real terminal client would report.
func startAttach(target string, cols, rows uint16) (handle, *exec.Cmd, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", target)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := upstreampty.StartWithSize(cmd, &upstreampty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, nil, err
	}
	return unixHandle{f: ptmx}, cmd, nil
}

// exitStatus extracts the exit code and signal name (if any) from a
// finished attach command.
func exitStatus(cmd *exec.Cmd) (*int, *string) {
	if cmd == nil || cmd.ProcessState == nil {
		return nil, nil
	}
	code := cmd.ProcessState.ExitCode()
	if code >= 0 {
		return &code, nil
	}
	sig := cmd.ProcessState.String()
	return nil, &sig
}
