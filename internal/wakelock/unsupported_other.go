//go:build !linux && !darwin

package wakelock

import "context"

func newPlatformAdapter(opts Options) Adapter {
	return unsupportedAdapter{}
}

type unsupportedAdapter struct{}

func (unsupportedAdapter) Acquire(ctx context.Context) (Handle, error) {
	return nil, ErrUnsupported
}
