// Package blockdev implements the Block Device Helpers adapter (spec
// C8) by shelling out to qemu-img, losetup, fdisk, partprobe, e2fsck,
// resize2fs, mount and umount, exactly as the prior implementation does
// (original_source/utils/image.py).
package blockdev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Helper is the concrete C8 Block Device Helpers adapter.
type Helper struct{}

func New() *Helper { return &Helper{} }

// runEnv forces a C locale on every exec'd tool, matching the original's
// get_environ(): command output regexes below assume untranslated text.
func runEnv() []string {
	return []string{"LANG=C", "LC_ALL=C"}
}

func run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = runEnv()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	if err != nil {
		return out.String(), fmt.Errorf("blockdev: %s %v: %w: %s", name, args, err, errb.String())
	}
	return out.String(), nil
}

var virtSizeRe = regexp.MustCompile(`^virtual size: [0-9.\s a-zA-Z]+ \((?P<size>\d+) bytes\)`)

// GetImageVirtualSize returns the virtual device size in bytes.
func (h *Helper) GetImageVirtualSize(ctx context.Context, path string) (int64, error) {
	out, err := run(ctx, "", "qemu-img", "info", "-f", "raw", path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		if m := virtSizeRe.FindStringSubmatch(line); m != nil {
			return strconv.ParseInt(m[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("blockdev: could not parse virtual size from qemu-img info")
}

// ResizeImage grows (or, with ShrinkImage, shrinks) the virtual device.
func (h *Helper) ResizeImage(ctx context.Context, path string, size int64) error {
	_, err := run(ctx, "", "qemu-img", "resize", "-f", "raw", path, strconv.FormatInt(size, 10))
	return err
}

// ShrinkImage shrinks the virtual device (qemu-img accepts a "-size"
// relative or absolute target; an absolute smaller size shrinks).
func (h *Helper) ShrinkImage(ctx context.Context, path string, size int64) error {
	_, err := run(ctx, "", "qemu-img", "resize", "-f", "raw", "--shrink", path, strconv.FormatInt(size, 10))
	return err
}

// FindFreeLoopDevice returns the next unused /dev/loopN path.
func (h *Helper) FindFreeLoopDevice(ctx context.Context) (string, error) {
	out, err := run(ctx, "", "losetup", "-f")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Attach attaches imgPath to loopDev with partition scanning enabled.
func (h *Helper) Attach(ctx context.Context, loopDev, imgPath string) error {
	_, err := run(ctx, "", "losetup", "--partscan", loopDev, imgPath)
	return err
}

// Detach releases loopDev.
func (h *Helper) Detach(ctx context.Context, loopDev string) error {
	_, err := run(ctx, "", "losetup", "--detach", loopDev)
	return err
}

type loopDevicesJSON struct {
	LoopDevices []struct {
		Name string `json:"name"`
	} `json:"loopdevices"`
}

// IsLoopDeviceFree reports whether loopDev is not already attached.
func (h *Helper) IsLoopDeviceFree(ctx context.Context, loopDev string) (bool, error) {
	out, err := run(ctx, "", "losetup", "--json")
	if err != nil {
		return false, err
	}
	var parsed loopDevicesJSON
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return false, fmt.Errorf("blockdev: parse losetup --json: %w", err)
	}
	for _, d := range parsed.LoopDevices {
		if d.Name == loopDev {
			return false, nil
		}
	}
	return true, nil
}

var (
	diskSummaryRe = regexp.MustCompile(`^Disk (?P<dev>\S+): [0-9.\s]+ [KMGTP]i?B, (?P<bytes>\d+) bytes, (?P<sectors>\d+) sectors$`)
)

// deviceSectors returns the total sector count of devPath.
func (h *Helper) deviceSectors(ctx context.Context, devPath string) (int64, error) {
	out, err := run(ctx, "", "fdisk", "--list", devPath)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 {
		return 0, fmt.Errorf("blockdev: empty fdisk --list output")
	}
	m := diskSummaryRe.FindStringSubmatch(lines[0])
	if m == nil {
		return 0, fmt.Errorf("blockdev: could not parse disk summary line %q", lines[0])
	}
	return strconv.ParseInt(m[diskSummaryRe.SubexpIndex("sectors")], 10, 64)
}

// thirdPartitionStartSector returns the start sector of devPath's p3.
func (h *Helper) thirdPartitionStartSector(ctx context.Context, devPath string) (int64, error) {
	out, err := run(ctx, "", "fdisk", "--list", devPath)
	if err != nil {
		return 0, err
	}
	partRe := regexp.MustCompile(regexp.QuoteMeta(devPath) + `p3\s+(\d+)\s+(\d+)\s+(\d+)\s+.+$`)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := partRe.FindStringSubmatch(lines[i]); m != nil {
			return strconv.ParseInt(m[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("blockdev: could not find p3 entry for %s", devPath)
}

// ResizeLastPartition recreates the third partition to span from its
// existing start sector to the end of the device, then fscks and resizes
// its (ext4) filesystem to fill the new partition size.
func (h *Helper) ResizeLastPartition(ctx context.Context, devPath string) error {
	nbSectors, err := h.deviceSectors(ctx, devPath)
	if err != nil {
		return err
	}
	startSector, err := h.thirdPartitionStartSector(ctx, devPath)
	if err != nil {
		return err
	}
	endSector := nbSectors - 1

	commands := strings.Join([]string{"d", "3", "n", "p", "3", strconv.FormatInt(startSector, 10), strconv.FormatInt(endSector, 10), "N", "w"}, "\n")
	// fdisk may report "ioctl failed to apply" on a still-attached loop
	// device; that's not fatal, partprobe below reloads the table.
	_, _ = run(ctx, commands, "fdisk", devPath)

	if _, err := run(ctx, "", "partprobe", "--summary", devPath); err != nil {
		return err
	}
	return h.Fsck(ctx, devPath+"p3")
}

// Fsck checks (and, for ext4, implicitly repairs) the filesystem at
// partPath, then resizes it to fill its partition.
func (h *Helper) Fsck(ctx context.Context, partPath string) error {
	if _, err := run(ctx, "", "e2fsck", "-p", partPath); err != nil {
		return err
	}
	_, err := run(ctx, "", "resize2fs", partPath)
	return err
}

// MountOn mounts devPath at mountPoint, optionally specifying a
// filesystem type ("" lets mount auto-detect).
func (h *Helper) MountOn(ctx context.Context, devPath, mountPoint, filesystem string) error {
	args := []string{}
	if filesystem != "" {
		args = append(args, "-t", filesystem)
	}
	args = append(args, devPath, mountPoint)
	_, err := run(ctx, "", "mount", args...)
	return err
}

// Unmount unmounts mountPoint.
func (h *Helper) Unmount(ctx context.Context, mountPoint string) error {
	_, err := run(ctx, "", "umount", mountPoint)
	return err
}
