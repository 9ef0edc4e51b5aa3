package engine

import (
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDockerMounts_Bind(t *testing.T) {
	mounts := toDockerMounts([]Mount{
		{Target: "/nix", Source: "/nix", Type: MountTypeBind, ReadOnly: true},
		{Target: "/home/user", Source: "/home/user", Type: MountTypeBind, Propagation: "slave"},
	})

	require.Len(t, mounts, 2)

	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.True(t, mounts[0].ReadOnly)
	assert.Nil(t, mounts[0].BindOptions)

	require.NotNil(t, mounts[1].BindOptions)
	assert.Equal(t, mount.PropagationSlave, mounts[1].BindOptions.Propagation)
}

func TestToDockerMounts_VolumeWithDriver(t *testing.T) {
	mounts := toDockerMounts([]Mount{
		{
			Target: "/home/user",
			Source: "homefs",
			Type:   MountTypeVolume,
			Driver: "homefs",
			DriverOpts: map[string]string{
				"overlay": "1000",
			},
		},
	})

	require.Len(t, mounts, 1)
	assert.Equal(t, mount.TypeVolume, mounts[0].Type)
	require.NotNil(t, mounts[0].VolumeOptions)
	require.NotNil(t, mounts[0].VolumeOptions.DriverConfig)
	assert.Equal(t, "homefs", mounts[0].VolumeOptions.DriverConfig.Name)
	assert.Equal(t, "1000", mounts[0].VolumeOptions.DriverConfig.Options["overlay"])
}

func TestToDockerMounts_PlainVolumeHasNoDriverConfig(t *testing.T) {
	mounts := toDockerMounts([]Mount{
		{Target: "/data", Source: "plain-volume", Type: MountTypeVolume},
	})

	require.Len(t, mounts, 1)
	assert.Nil(t, mounts[0].VolumeOptions)
}
