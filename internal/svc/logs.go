package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays service logs using platform-appropriate tools.
func ViewLogs(opts LogOptions) error {
	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand returns the program and arguments that show the vault's logs
// on goos.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager", "-o", "cat"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil

	case "darwin":
		// launchd writes the service's stdout and stderr to /var/log.
		out := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
		errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-F")
		}
		return "tail", append(args, out, errLog), nil

	case "windows":
		script := fmt.Sprintf(
			`Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | `+
				`Sort-Object TimeCreated | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap`,
			opts.ServiceName, opts.Lines)
		if opts.Follow {
			return "", nil, fmt.Errorf("--follow is not supported on windows; use Event Viewer")
		}
		return "powershell", []string{"-NoProfile", "-Command", script}, nil

	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
