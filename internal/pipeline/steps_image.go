package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
)

// ResizingImage is pipeline step 9, grounded on
// original_source/steps/image.py's ResizingImage: grows the output file to
// the target size, attaches it to a loop device, and resizes the third
// (data) partition to fill the new space.
type ResizingImage struct{}

func NewResizingImage() Step { return &ResizingImage{} }

func (s *ResizingImage) Name() string { return "ResizingImage" }

func (s *ResizingImage) Run(p *Payload) int {
	target := p.NeededBytes
	if declared, err := p.Config.Output.SizeBytes(); err == nil && declared > 0 {
		target = declared
	}

	current, err := p.BlockDev.GetImageVirtualSize(p.Ctx, p.Opts.OutputPath)
	if err != nil {
		p.Reporter.FailTask("reading image size", err)
		return 1
	}
	if target > current {
		if err := p.BlockDev.ResizeImage(p.Ctx, p.Opts.OutputPath, target); err != nil {
			p.Reporter.FailTask("resizing image", err)
			return 1
		}
	}
	p.Reporter.Dot(dotOK())

	loopDev, err := p.BlockDev.FindFreeLoopDevice(p.Ctx)
	if err != nil {
		p.Reporter.FailTask("finding loop device", err)
		return 1
	}
	if err := p.BlockDev.Attach(p.Ctx, loopDev, p.Opts.OutputPath); err != nil {
		p.Reporter.FailTask("attaching loop device", err)
		return 1
	}
	p.LoopDevice = loopDev
	p.Reporter.Dot(dotOK())

	if err := p.BlockDev.ResizeLastPartition(p.Ctx, loopDev); err != nil {
		p.Reporter.FailTask("resizing data partition", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *ResizingImage) Cleanup(p *Payload) {
	if p.LoopDevice != "" {
		_ = p.BlockDev.Detach(p.Ctx, p.LoopDevice)
		p.LoopDevice = ""
	}
}

// MountingDataPart is pipeline step 10.
type MountingDataPart struct{}

func NewMountingDataPart() Step { return &MountingDataPart{} }

func (s *MountingDataPart) Name() string { return "MountingDataPart" }

func (s *MountingDataPart) Run(p *Payload) int {
	mountPoint, err := os.MkdirTemp(p.Opts.BuildDir, "data-part-")
	if err != nil {
		p.Reporter.FailTask("creating data mount point", err)
		return 1
	}
	if err := p.BlockDev.MountOn(p.Ctx, p.LoopDevice+"p3", mountPoint, "ext4"); err != nil {
		p.Reporter.FailTask("mounting data partition", err)
		return 1
	}
	p.DataMountPath = mountPoint
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *MountingDataPart) Cleanup(p *Payload) {
	if p.DataMountPath != "" {
		_ = p.BlockDev.Unmount(p.Ctx, p.DataMountPath)
		p.DataMountPath = ""
	}
}

// UnmountingDataPart is pipeline step, undoes MountingDataPart after
// content has been written, then filesystem-checks the partition now that
// nothing has it open.
type UnmountingDataPart struct{}

func NewUnmountingDataPart() Step { return &UnmountingDataPart{} }

func (s *UnmountingDataPart) Name() string { return "UnmountingDataPart" }

func (s *UnmountingDataPart) Run(p *Payload) int {
	if p.DataMountPath == "" {
		return 0
	}
	if err := p.BlockDev.Unmount(p.Ctx, p.DataMountPath); err != nil {
		p.Reporter.FailTask("unmounting data partition", err)
		return 1
	}
	p.DataMountPath = ""
	if err := p.BlockDev.Fsck(p.Ctx, p.LoopDevice+"p3"); err != nil {
		p.Reporter.FailTask("checking data partition", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *UnmountingDataPart) Cleanup(p *Payload) {}

// MountingBootPart is pipeline step, mounts the boot partition (p1) to
// receive offspot.yaml.
type MountingBootPart struct{}

func NewMountingBootPart() Step { return &MountingBootPart{} }

func (s *MountingBootPart) Name() string { return "MountingBootPart" }

func (s *MountingBootPart) Run(p *Payload) int {
	mountPoint, err := os.MkdirTemp(p.Opts.BuildDir, "boot-part-")
	if err != nil {
		p.Reporter.FailTask("creating boot mount point", err)
		return 1
	}
	if err := p.BlockDev.MountOn(p.Ctx, p.LoopDevice+"p1", mountPoint, ""); err != nil {
		p.Reporter.FailTask("mounting boot partition", err)
		return 1
	}
	p.BootMountPath = mountPoint
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *MountingBootPart) Cleanup(p *Payload) {
	if p.BootMountPath != "" {
		_ = p.BlockDev.Unmount(p.Ctx, p.BootMountPath)
		p.BootMountPath = ""
	}
}

// WritingOffspotConfig is pipeline step, grounded on
// original_source/steps/check_inputs.py's WritingOffspotConfig: dumps the
// `offspot` document key to offspot.yaml on the boot partition, skipping
// entirely when the configuration carries none.
type WritingOffspotConfig struct{}

func NewWritingOffspotConfig() Step { return &WritingOffspotConfig{} }

func (s *WritingOffspotConfig) Name() string { return "WritingOffspotConfig" }

func (s *WritingOffspotConfig) Run(p *Payload) int {
	if p.Config.Offspot == nil {
		p.Reporter.Dot(dotNeutral())
		return 0
	}
	text, err := yaml.Marshal(p.Config.Offspot)
	if err != nil {
		p.Reporter.FailTask("marshalling offspot config", err)
		return 1
	}
	dest := filepath.Join(p.BootMountPath, "offspot.yaml")
	if err := os.WriteFile(dest, text, 0o644); err != nil {
		p.Reporter.FailTask("writing offspot.yaml", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *WritingOffspotConfig) Cleanup(p *Payload) {}

// UnmountingBootPart undoes MountingBootPart.
type UnmountingBootPart struct{}

func NewUnmountingBootPart() Step { return &UnmountingBootPart{} }

func (s *UnmountingBootPart) Name() string { return "UnmountingBootPart" }

func (s *UnmountingBootPart) Run(p *Payload) int {
	if p.BootMountPath == "" {
		return 0
	}
	if err := p.BlockDev.Unmount(p.Ctx, p.BootMountPath); err != nil {
		p.Reporter.FailTask("unmounting boot partition", err)
		return 1
	}
	p.BootMountPath = ""
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *UnmountingBootPart) Cleanup(p *Payload) {}

// DetachingImage releases the loop device after both partitions are
// unmounted.
type DetachingImage struct{}

func NewDetachingImage() Step { return &DetachingImage{} }

func (s *DetachingImage) Name() string { return "DetachingImage" }

func (s *DetachingImage) Run(p *Payload) int {
	if p.LoopDevice == "" {
		return 0
	}
	if err := p.BlockDev.Detach(p.Ctx, p.LoopDevice); err != nil {
		p.Reporter.FailTask("detaching loop device", err)
		return 1
	}
	p.LoopDevice = ""
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *DetachingImage) Cleanup(p *Payload) {}

// ShrinkingImage is the supplemental final-sizing step: completes what
// the original left declared but unimplemented. It must run after
// DetachingImage — qemu-img --shrink refuses to operate on a
// loop-attached device — and only when output.shrink is set.
type ShrinkingImage struct{}

func NewShrinkingImage() Step { return &ShrinkingImage{} }

func (s *ShrinkingImage) Name() string { return "ShrinkingImage" }

func (s *ShrinkingImage) Run(p *Payload) int {
	if !p.Config.Output.Shrink {
		p.Reporter.Dot(dotNeutral())
		return 0
	}
	if p.LoopDevice != "" {
		p.Reporter.FailTask("shrinking image", fmt.Errorf("loop device still attached"))
		return 1
	}
	if err := p.BlockDev.ShrinkImage(p.Ctx, p.Opts.OutputPath, p.NeededBytes); err != nil {
		p.Reporter.FailTask("shrinking image", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *ShrinkingImage) Cleanup(p *Payload) {}
