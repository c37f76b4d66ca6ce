package pipeline

import (
	"bufio"
	"os"
	"os/exec"
	"regexp"
)

// HelpText explains remediation for a failed CheckRequirements, grounded
// on original_source/utils/requirements.py's help_text.
const HelpText = `Requirements
------------

kernel features:
    - ` + "`loop`" + ` must be enabled in your kernel or as a module
      if running inside a docker-container:
       - same loop feature applies to host's kernel
       - container must be run with --privileged
    - ` + "`ext4`" + ` filesystem (most likely enabled in-kernel)

tools:
    - losetup (mount)
    - fdisk (fdisk)
    - resize2fs (e2fsprogs)
    - mount (mount)
    - umount (mount)
    - qemu-img (qemu-utils)
`

func isRoot() bool { return os.Getuid() == 0 }

var ext4Re = regexp.MustCompile(`^\s*ext4\s*$`)

func hasExt4Support() bool {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ext4Re.MatchString(sc.Text()) {
			return true
		}
	}
	return false
}

var requiredBinaries = []string{"losetup", "fdisk", "resize2fs", "mount", "umount", "qemu-img"}

func missingBinaries() []string {
	var missing []string
	for _, bin := range requiredBinaries {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

func hasLoopDevice() bool {
	cmd := exec.Command("losetup", "-f")
	return cmd.Run() == nil
}
