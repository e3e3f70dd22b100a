package tunneldriver

import (
	"context"
	"fmt"
	"runtime"

	"catmesh"
)

// stubImpl is the no-op backend: setup calls fail fast, teardown is a
// no-op, and probes report "not created". It exists so an unreachable
// backend branch still compiles and behaves predictably if ever selected.
type stubImpl struct{ cfg Config }

func newStubImpl(cfg Config) impl { return &stubImpl{cfg: cfg} }

func (s *stubImpl) setup(context.Context) error {
	return fmt.Errorf("tunneldriver: wireguard not supported on %s: %w", runtime.GOOS, catmesh.ErrFatal)
}

func (s *stubImpl) destroy(context.Context) error { return nil }

func (s *stubImpl) isCreated(context.Context) (bool, error) { return false, nil }

func (s *stubImpl) isConnected(context.Context) (bool, error) { return false, nil }

func (s *stubImpl) getMTU(context.Context) (int, error) { return 0, catmesh.ErrNotFound }
