package sysinfo_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/someone5678/system-update-engine-twrp/pkg/sysinfo"
	"github.com/someone5678/system-update-engine-twrp/tests/mocks"
)

const osRelease = `NAME="Example OS"
VERSION="15.4 (Stable)"
ID=example
VERSION_ID="15.4.0"
PRETTY_NAME="Example OS 15.4"
`

func TestGetBootID(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadFile", "/proc/sys/kernel/random/boot_id").
		Return("d3b07384-d9a0-4f5c-9c3e-8a1b2c3d4e5f\n", nil)

	info := sysinfo.NewSystemInfo("/etc/os-release", fileOps)

	bootID, err := info.GetBootID()
	require.NoError(t, err)
	assert.Equal(t, "d3b07384-d9a0-4f5c-9c3e-8a1b2c3d4e5f", bootID)
}

func TestGetBootIDRejectsGarbage(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadFile", "/proc/sys/kernel/random/boot_id").
		Return("this is not a uuid", nil)

	info := sysinfo.NewSystemInfo("/etc/os-release", fileOps)

	_, err := info.GetBootID()
	assert.Error(t, err)
}

func TestGetOSVersion(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadFile", "/etc/os-release").Return(osRelease, nil)

	info := sysinfo.NewSystemInfo("/etc/os-release", fileOps)

	version, err := info.GetOSVersion()
	require.NoError(t, err)
	assert.Equal(t, "15.4.0", version)
}

func TestGetOSVersionMissingField(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadFile", "/etc/os-release").Return("NAME=\"Example OS\"\n", nil)

	info := sysinfo.NewSystemInfo("/etc/os-release", fileOps)

	_, err := info.GetOSVersion()
	assert.Error(t, err)
}

func TestGetOSVersionReadFailure(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadFile", "/etc/os-release").Return("", errors.New("permission denied"))

	info := sysinfo.NewSystemInfo("/etc/os-release", fileOps)

	_, err := info.GetOSVersion()
	assert.Error(t, err)
}
