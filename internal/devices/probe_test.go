package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitDevices(t *testing.T) {
	out := splitDevices("/dev/nvidia0\n/dev/nvidiactl\n\n/dev/tty\n")
	assert.Equal(t, []string{"/dev/nvidia0", "/dev/nvidiactl", "/dev/tty"}, out)
}

func TestSplitDevices_Empty(t *testing.T) {
	assert.Empty(t, splitDevices("   \n  \n"))
}

func TestCacheKey_ScopedPerEngine(t *testing.T) {
	assert.NotEqual(t, cacheKey("unix:///var/run/docker.sock"), cacheKey("tcp://node-2:2375"))
}
