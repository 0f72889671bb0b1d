package sysinfo

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/someone5678/system-update-engine-twrp/pkg/file"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// SystemInfoInterface exposes the host identity facts the update agent
// needs: the kernel boot id (changes on every reboot) and the OS version
// currently running.
type SystemInfoInterface interface {
	GetBootID() (string, error)
	GetOSVersion() (string, error)
}

// SystemInfo reads host facts from the running system.
type SystemInfo struct {
	bootIDFile    string
	osReleaseFile string
	versionField  string
	fileOps       file.FileOperations
}

// NewSystemInfo initializes a SystemInfo reading the default kernel and
// os-release paths.
func NewSystemInfo(osReleaseFile string, fileOps file.FileOperations) *SystemInfo {
	return &SystemInfo{
		bootIDFile:    bootIDPath,
		osReleaseFile: osReleaseFile,
		versionField:  "VERSION_ID",
		fileOps:       fileOps,
	}
}

// GetBootID returns the kernel boot id as a canonical UUID string. The id
// is regenerated by the kernel on every boot, so a change between two
// observations means the device rebooted.
func (s *SystemInfo) GetBootID() (string, error) {
	raw, err := s.fileOps.ReadFile(s.bootIDFile)
	if err != nil {
		return "", fmt.Errorf("failed to read boot id: %w", err)
	}

	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("malformed boot id %q: %w", strings.TrimSpace(raw), err)
	}
	return id.String(), nil
}

// GetOSVersion returns the running OS version from the os-release file.
func (s *SystemInfo) GetOSVersion() (string, error) {
	content, err := s.fileOps.ReadFile(s.osReleaseFile)
	if err != nil {
		return "", fmt.Errorf("failed to read os-release: %w", err)
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if value, found := strings.CutPrefix(line, s.versionField+"="); found {
			return strings.Trim(value, `"`), nil
		}
	}
	return "", fmt.Errorf("field %s not found in %s", s.versionField, s.osReleaseFile)
}
