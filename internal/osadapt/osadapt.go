// Package osadapt is the agent's operating-system boundary: the one place
// that actually touches the host filesystem, process table, and power
// management. Every capability method in internal/agentcap calls into here
// instead of the standard library directly, keeping the RPC dispatch layer
// OS-agnostic.
//
// Go has no portable process-list, installed-application, or display
// inventory in the standard library, so each platform-specific operation
// falls back to reading /proc or shelling out to the platform's own
// inventory tool rather than hand-rolling one.
package osadapt

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/duskline/meridian/internal/errs"
)

// SystemInfo describes the host the agent is running on.
type SystemInfo struct {
	SystemName    string `cbor:"system_name" json:"system_name"`
	KernelVersion string `cbor:"kernel_version" json:"kernel_version"`
	OSVersion     string `cbor:"os_version" json:"os_version"`
	HostName      string `cbor:"host_name" json:"host_name"`
}

// GetSystemInfo reports static information about the local host.
func GetSystemInfo() (*SystemInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := &SystemInfo{
		SystemName: runtime.GOOS,
		HostName:   hostname,
	}
	switch runtime.GOOS {
	case "linux":
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			info.KernelVersion = strings.TrimSpace(string(out))
		}
		if b, err := os.ReadFile("/etc/os-release"); err == nil {
			info.OSVersion = parseOSRelease(b)
		}
	case "darwin":
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			info.KernelVersion = strings.TrimSpace(string(out))
		}
		if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
			info.OSVersion = strings.TrimSpace(string(out))
		}
	case "windows":
		if out, err := exec.Command("cmd", "/C", "ver").Output(); err == nil {
			info.OSVersion = strings.TrimSpace(string(out))
		}
	}
	return info, nil
}

func parseOSRelease(b []byte) string {
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		}
	}
	return ""
}

// PowerAction is one of the actions the operator may request of the host.
// Values match the casing of the HTTP power op verbatim, since httpapi
// passes the JSON field straight through as a PowerAction with no
// normalization.
type PowerAction string

const (
	PowerShutdown  PowerAction = "Shutdown"
	PowerReboot    PowerAction = "Reboot"
	PowerLogout    PowerAction = "Logout"
	PowerSleep     PowerAction = "Sleep"
	PowerHibernate PowerAction = "Hibernate"
)

// SystemPower carries out a power action on the local host.
func SystemPower(action PowerAction) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		switch action {
		case PowerShutdown:
			cmd = exec.Command("shutdown", "-h", "now")
		case PowerReboot:
			cmd = exec.Command("shutdown", "-r", "now")
		case PowerLogout:
			cmd = exec.Command("pkill", "-KILL", "-u", os.Getenv("USER"))
		case PowerSleep:
			cmd = exec.Command("systemctl", "suspend")
		case PowerHibernate:
			cmd = exec.Command("systemctl", "hibernate")
		}
	case "darwin":
		switch action {
		case PowerShutdown:
			cmd = exec.Command("shutdown", "-h", "now")
		case PowerReboot:
			cmd = exec.Command("shutdown", "-r", "now")
		case PowerLogout:
			cmd = exec.Command("osascript", "-e", `tell application "System Events" to log out`)
		case PowerSleep:
			cmd = exec.Command("pmset", "sleepnow")
		default:
			return errs.Newf(errs.Unsupported, "power action %q not supported on darwin", action)
		}
	case "windows":
		switch action {
		case PowerShutdown:
			cmd = exec.Command("shutdown", "/s", "/t", "0")
		case PowerReboot:
			cmd = exec.Command("shutdown", "/r", "/t", "0")
		case PowerLogout:
			cmd = exec.Command("shutdown", "/l")
		case PowerHibernate:
			cmd = exec.Command("shutdown", "/h")
		default:
			return errs.Newf(errs.Unsupported, "power action %q not supported on windows", action)
		}
	default:
		return errs.Newf(errs.Unsupported, "power actions not supported on %s", runtime.GOOS)
	}
	if cmd == nil {
		return errs.Newf(errs.Unsupported, "power action %q not supported on %s", action, runtime.GOOS)
	}
	if err := cmd.Run(); err != nil {
		return errs.Newf(errs.SystemPowerError, "%s: %s", action, err)
	}
	return nil
}

// App describes one installed application.
type App struct {
	Name      string `cbor:"name" json:"name"`
	Publisher string `cbor:"publisher" json:"publisher"`
	Version   string `cbor:"version" json:"version"`
}

// InstalledApps enumerates the applications installed on the host. Only
// Linux's dpkg-backed inventory is implemented; other platforms return
// Unsupported.
func InstalledApps() ([]App, error) {
	if runtime.GOOS != "linux" {
		return nil, errs.Newf(errs.Unsupported, "installed app enumeration not supported on %s", runtime.GOOS)
	}
	out, err := exec.Command("dpkg-query", "-W", "-f", `${Package}\t${Maintainer}\t${Version}\n`).Output()
	if err != nil {
		return nil, errs.Newf(errs.QueryAppsError, "dpkg-query: %s", err)
	}
	var apps []App
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 3)
		if len(fields) != 3 {
			continue
		}
		apps = append(apps, App{Name: fields[0], Publisher: fields[1], Version: fields[2]})
	}
	return apps, nil
}

// Process describes one running process.
type Process struct {
	PID       int32  `cbor:"pid" json:"pid"`
	ParentPID *int32 `cbor:"parent_pid,omitempty" json:"parent_pid,omitempty"`
	Name      string `cbor:"name" json:"name"`
	Exe       string `cbor:"exe" json:"exe"`
	StartTime uint64 `cbor:"start_time" json:"start_time"`
	Cwd       string `cbor:"cwd" json:"cwd"`
}

// Processes enumerates running processes by reading /proc directly on
// Linux, mirroring the convention used throughout this package of a
// platform-specific backend behind a single portable entry point.
func Processes() ([]Process, error) {
	if runtime.GOOS != "linux" {
		return nil, errs.Newf(errs.Unsupported, "process enumeration not supported on %s", runtime.GOOS)
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, errs.Newf(errs.IoError, "/proc: %s", err)
	}
	var procs []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		p, err := readProcEntry(pid)
		if err != nil {
			continue
		}
		procs = append(procs, *p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func readProcEntry(pid int) (*Process, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	statData, err := os.ReadFile(filepath.Join(base, "stat"))
	if err != nil {
		return nil, err
	}
	name, ppid := parseProcStat(string(statData))
	exe, _ := os.Readlink(filepath.Join(base, "exe"))
	cwd, _ := os.Readlink(filepath.Join(base, "cwd"))
	info, err := os.Stat(base)
	var startTime uint64
	if err == nil {
		startTime = uint64(info.ModTime().Unix())
	}
	p := &Process{PID: int32(pid), Name: name, Exe: exe, Cwd: cwd, StartTime: startTime}
	if ppid > 0 {
		v := int32(ppid)
		p.ParentPID = &v
	}
	return p, nil
}

// parseProcStat extracts comm and ppid from /proc/<pid>/stat, whose second
// field is parenthesized and may itself contain spaces or parens.
func parseProcStat(s string) (comm string, ppid int) {
	open := strings.IndexByte(s, '(')
	shut := strings.LastIndexByte(s, ')')
	if open < 0 || shut < 0 || shut < open {
		return "", 0
	}
	comm = s[open+1 : shut]
	rest := strings.Fields(s[shut+1:])
	if len(rest) >= 2 {
		ppid, _ = strconv.Atoi(rest[1])
	}
	return comm, ppid
}

// KillProcess terminates the process identified by pid. Non-positive pids
// are rejected up front: os.FindProcess never fails for them on POSIX, and
// signaling pid 0 would target the agent's own process group.
func KillProcess(pid int32) error {
	if pid <= 0 {
		return errs.Newf(errs.ProcessNotFound, "pid %d: invalid", pid)
	}
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return errs.Newf(errs.ProcessNotFound, "pid %d: %s", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return errs.Newf(errs.KillProcessError, "pid %d: %s", pid, err)
	}
	return nil
}

// File describes one directory entry.
type File struct {
	Name  string `cbor:"name" json:"name"`
	IsDir bool   `cbor:"is_dir" json:"is_dir"`
	Size  uint64 `cbor:"size" json:"size"`
}

// ListDir lists the entries of dir, skipping names that aren't valid UTF-8
// rather than failing the whole listing; the wire format has no way to
// carry an invalid-UTF-8 file name losslessly.
func ListDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.NewFile(dir, err.Error())
	}
	var files []File
	for _, e := range entries {
		if !utf8.ValidString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{Name: e.Name(), IsDir: e.IsDir(), Size: uint64(info.Size())})
	}
	return files, nil
}

// ReadFile reads an entire file's contents.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewFile(path, err.Error())
	}
	return b, nil
}

// CreateFile creates path, failing if it already exists.
func CreateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.NewFile(path, err.Error())
	}
	return f.Close()
}

// WriteFile overwrites path with data.
func WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.NewFile(path, err.Error())
	}
	return nil
}

// DeleteFile removes a single file.
func DeleteFile(path string) error {
	if err := os.Remove(path); err != nil {
		return errs.NewFile(path, err.Error())
	}
	return nil
}

// DeleteDirRecursive removes a directory and everything under it.
func DeleteDirRecursive(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errs.NewFile(path, err.Error())
	}
	return nil
}

// CreateDir creates path and any missing parents.
func CreateDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errs.NewFile(path, err.Error())
	}
	return nil
}

// RunResult is the outcome of OpenFile: a textual exit status plus decoded
// stdout.
type RunResult struct {
	Status string `cbor:"status" json:"status"`
	Output string `cbor:"output" json:"output"`
}

// OpenFile parses cmdline with POSIX-shell-like word splitting (the first
// token is the executable, the rest its arguments), runs it to completion,
// and returns its textual exit status alongside its captured stdout.
// Splitting is hand-rolled rather than delegated to a shell, so a launch
// request can never smuggle in shell metacharacters (the agent never
// invokes `sh -c`).
func OpenFile(cmdline string) (*RunResult, error) {
	words := splitWords(cmdline)
	if len(words) == 0 {
		return nil, errs.New(errs.ParamInvalid, "empty command line")
	}

	cmd := exec.Command(words[0], words[1:]...)
	out, runErr := cmd.Output()

	status := "exited: 0"
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			status = fmt.Sprintf("exited: %d", exitErr.ExitCode())
		} else {
			return nil, errs.Newf(errs.IoError, "running %q: %s", cmdline, runErr)
		}
	}
	return &RunResult{Status: status, Output: decodeNative8Bit(out)}, nil
}

// decodeNative8Bit decodes command output using the platform's native 8-bit
// encoding. Windows consoles default to a Windows-125x code page rather
// than UTF-8; Linux and macOS shells are UTF-8 natively, so bytes already
// valid UTF-8 are passed through unchanged and only invalid sequences are
// replaced.
func decodeNative8Bit(b []byte) string {
	if runtime.GOOS == "windows" {
		out, err := charmap.Windows1252.NewDecoder().Bytes(b)
		if err == nil {
			return string(out)
		}
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// splitWords performs POSIX-shell-like word splitting: words are
// whitespace-separated, and single or double quotes group a run of
// characters (including whitespace) into one word. It does not expand
// variables, globs, or backslash escapes; anything beyond quoting is left
// literal.
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	inWord := false
	var quote rune
	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// Display describes one attached monitor's geometry and mode.
type Display struct {
	Name      string  `cbor:"name" json:"name"`
	ID        uint32  `cbor:"id" json:"id"`
	X         float64 `cbor:"x" json:"x"`
	Y         float64 `cbor:"y" json:"y"`
	Width     float64 `cbor:"width" json:"width"`
	Height    float64 `cbor:"height" json:"height"`
	Rotation  float64 `cbor:"rotation" json:"rotation"`
	Scale     float64 `cbor:"scale" json:"scale"`
	Frequency float64 `cbor:"frequency" json:"frequency"`
	IsPrimary bool    `cbor:"is_primary" json:"is_primary"`
}

// Displays enumerates attached monitors. Display enumeration needs a
// platform windowing API the standard library has no access to; a headless
// agent has no way to exercise such a binding, so every platform reports
// Unsupported rather than carrying an unverifiable stub.
func Displays() ([]Display, error) {
	return nil, errs.New(errs.Unsupported, "display enumeration is not implemented on this agent")
}
