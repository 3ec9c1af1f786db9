// Package platform gates startup on minimum supported OS versions. The
// backend bundles native extensions that are known broken below these
// releases, so the supervisor refuses to spawn anything on older systems.
package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Minimum supported releases.
var (
	minMacOS   = []int{10, 14}
	minWindows = []int{10}
)

var (
	ErrUnsupportedMacOS   = errors.New("platform: unsupported macOS version")
	ErrUnsupportedWindows = errors.New("platform: unsupported Windows version")
)

// Info identifies the running OS.
type Info struct {
	OS      string // runtime.GOOS values
	Version string // dotted release, e.g. "10.13.6"
}

// InfoFunc supplies platform information; injectable for tests.
type InfoFunc func(ctx context.Context) (Info, error)

// SystemInfo reads the live platform version.
func SystemInfo(ctx context.Context) (Info, error) {
	_, _, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("platform: query version: %w", err)
	}
	return Info{OS: runtime.GOOS, Version: version}, nil
}

// Validate returns ErrUnsupportedMacOS or ErrUnsupportedWindows when the
// reported release is below the supported minimum. Platforms without a
// minimum (linux, bsd) always pass. An unparseable version also passes:
// refusing to start over a malformed version string helps nobody.
func Validate(ctx context.Context, get InfoFunc) error {
	if get == nil {
		get = SystemInfo
	}
	info, err := get(ctx)
	if err != nil {
		return err
	}
	switch info.OS {
	case "darwin":
		if below(info.Version, minMacOS) {
			return fmt.Errorf("%w: %s < %s", ErrUnsupportedMacOS, info.Version, joinVersion(minMacOS))
		}
	case "windows":
		if below(info.Version, minWindows) {
			return fmt.Errorf("%w: %s < %s", ErrUnsupportedWindows, info.Version, joinVersion(minWindows))
		}
	}
	return nil
}

// below compares a dotted version string against the minimum, component by
// component. Malformed or empty versions compare as supported.
func below(version string, minimum []int) bool {
	parts := strings.Split(strings.TrimSpace(version), ".")
	for i, min := range minimum {
		if i >= len(parts) {
			// Shorter version: missing components count as zero.
			return true
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return false
		}
		if n < min {
			return true
		}
		if n > min {
			return false
		}
	}
	return false
}

func joinVersion(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
