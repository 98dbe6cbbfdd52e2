//go:build !linux

package utils

import (
	"context"
	"errors"

	"go.einride.tech/can"
)

// SocketCANWriter is unavailable off Linux; NewSocketCANWriter always fails.
type SocketCANWriter struct{}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	return nil, errors.New("socketcan is only supported on linux")
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return errors.New("socketcan is only supported on linux")
}

func (w *SocketCANWriter) Close() error { return nil }
