package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// UnmountingDataPart's unmount+fsck path shells out to real block-device
// tooling (umount/e2fsck/resize2fs) and is exercised end to end outside
// unit tests; the short-circuit below is what a plain test process can
// drive without privileged access to a loop device.
func TestUnmountingDataPartNoopWithoutMount(t *testing.T) {
	r := &fakeReporter{}
	p := &Payload{Reporter: r}

	step := NewUnmountingDataPart()
	assert.Equal(t, 0, step.Run(p))
	assert.Empty(t, r.dots)
	assert.Empty(t, r.failures)
}
