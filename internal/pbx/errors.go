package pbx

import "errors"

var (
	// ErrExtensionFull is returned by Registry.Register when every slot is
	// already occupied.
	ErrExtensionFull = errors.New("pbx: no free extension slots")

	// ErrNotRegistered is returned by Registry.Dial when the calling TU is
	// no longer present in the registry (e.g. it raced with shutdown).
	ErrNotRegistered = errors.New("pbx: telephone unit is not registered")

	// ErrNotFound is returned by Registry.Unregister when the TU is not a
	// member of the registry.
	ErrNotFound = errors.New("pbx: telephone unit not found in registry")
)
