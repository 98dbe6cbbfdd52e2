package utils

import (
	"context"

	"go.einride.tech/can"
)

// CANWriter transmits frames onto a bus.
type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}
