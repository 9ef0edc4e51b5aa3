package install

import (
	"context"

	"github.com/pwncollege/workspace-core/internal/engine"
)

// driverAdapter narrows *engine.Driver's AttachStdin's concrete
// *engine.StdinConn return into the HijackedConn interface ContainerOps
// declares, inheriting PutArchive and Exec unchanged.
type driverAdapter struct {
	*engine.Driver
}

func (d driverAdapter) AttachStdin(ctx context.Context, id string) (HijackedConn, error) {
	return d.Driver.AttachStdin(ctx, id)
}

// NewDriverAdapter wraps drv as a ContainerOps for use with New.
func NewDriverAdapter(drv *engine.Driver) ContainerOps {
	return driverAdapter{Driver: drv}
}
