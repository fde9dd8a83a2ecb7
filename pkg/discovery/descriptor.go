// Package discovery publishes and resolves instance descriptors: small
// JSON files an editor host writes so controllers can find its socket
// without any registry. One descriptor per host process, named by pid.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Descriptor is the metadata one host instance publishes.
type Descriptor struct {
	PID         int    `json:"pid"`
	Version     string `json:"version"`
	SocketPath  string `json:"socketPath"`
	ProjectRoot string `json:"projectRoot"`
	StartedAt   int64  `json:"startedAt"` // unix milliseconds
}

const (
	filePrefix = "unvm-"
	fileSuffix = ".json"
)

// SocketPath names the per-instance socket for a host pid.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.sock", filePrefix, pid))
}

// DescriptorPath names the descriptor file for a host pid.
func DescriptorPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, pid, fileSuffix))
}

// Publish writes desc atomically (temp file + rename) so a scanning
// controller never observes a half-written descriptor. Returns the
// descriptor path.
func Publish(dir string, desc Descriptor) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", err
	}
	path := DescriptorPath(dir, desc.PID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// Unpublish removes the descriptor for pid. Missing files are fine.
func Unpublish(dir string, pid int) error {
	err := os.Remove(DescriptorPath(dir, pid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Scan returns the live instances published under dir, newest first.
// Descriptors that fail to parse or whose process is gone are skipped;
// a crashed host must not wedge discovery.
func Scan(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var live []Descriptor
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var desc Descriptor
		if err := json.Unmarshal(data, &desc); err != nil || desc.PID == 0 || desc.SocketPath == "" {
			continue
		}
		if !alive(desc.PID) {
			continue
		}
		live = append(live, desc)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].StartedAt > live[j].StartedAt })
	return live, nil
}

// alive probes the process with signal 0. EPERM still means the process
// exists; it just belongs to someone else.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Directory resolves a socket address from the descriptors in Dir. With
// PID zero the newest live instance wins; otherwise only that pid matches.
// It satisfies the client engine's Resolver.
type Directory struct {
	Dir string
	PID int
}

// Resolve picks a live instance and returns its socket path.
func (d Directory) Resolve() (string, error) {
	descs, err := Scan(d.Dir)
	if err != nil {
		return "", err
	}
	for _, desc := range descs {
		if d.PID != 0 && desc.PID != d.PID {
			continue
		}
		if _, err := os.Stat(desc.SocketPath); err != nil {
			continue
		}
		return desc.SocketPath, nil
	}
	if d.PID != 0 {
		return "", fmt.Errorf("no live editor host with pid %d in %s", d.PID, d.Dir)
	}
	return "", fmt.Errorf("no live editor host instance in %s", d.Dir)
}
