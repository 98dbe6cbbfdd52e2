package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.einride.tech/can"

	control "mpc-path-tracker/closed_loop/lateral_control"
	"mpc-path-tracker/utils"
)

// CANMirror re-encodes every issued command onto the CAN bus so a logger or
// a real actuator can follow the simulator drive. It is shared by all
// sessions.
type CANMirror struct {
	mu     sync.Mutex
	cmap   *utils.CANMap
	fd     *utils.FrameDef
	writer utils.CANWriter
	log    *utils.Logger

	maxSteerDeg float64
	normalized  bool
	sent        uint64
}

// NewCANMirror validates that the frame carries the signals the mirror writes.
func NewCANMirror(cmap *utils.CANMap, frameName string, writer utils.CANWriter, cfg *control.MPCConfig, log *utils.Logger) (*CANMirror, error) {
	fd, err := cmap.FrameByName(frameName)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	for _, name := range []string{"system_enable", "steer_cmd_deg", "throttle_cmd_pct"} {
		if _, ok := fd.Signal(name); !ok {
			return nil, fmt.Errorf("frame %s has no signal %s", fd.Name, name)
		}
	}
	return &CANMirror{
		cmap:        cmap,
		fd:          fd,
		writer:      writer,
		log:         log,
		maxSteerDeg: cfg.MaxSteerDeg,
		normalized:  cfg.NormalizeSteering,
	}, nil
}

// steerDegrees undoes the outbound steering convention: the emitted value
// is negated solver steering, so the mirrored angle is positive left.
func (m *CANMirror) steerDegrees(emitted float64) float64 {
	if m.normalized {
		return -emitted * m.maxSteerDeg
	}
	return -emitted * 180 / math.Pi
}

func (m *CANMirror) write(ctx context.Context, values map[string]float64) error {
	frame, err := m.cmap.EncodeFrame(m.fd.Name, values)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.fd.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writer.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("transmit %s: %w", m.fd.Name, err)
	}
	m.sent++
	if m.log.Enabled(utils.TRACE) {
		m.traceFrame(frame)
	}
	return nil
}

// traceFrame reads a transmitted frame back through the map so the trace
// shows physical values as a receiver would decode them.
func (m *CANMirror) traceFrame(frame can.Frame) {
	values, err := m.cmap.DecodeFrame(frame)
	if err != nil {
		m.log.Trace("TX id=0x%X undecodable: %v", uint32(frame.ID), err)
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%.3f", name, values[name])
	}
	m.log.Trace("TX id=0x%X len=%d data=% X%s", uint32(frame.ID), frame.Length, frame.Data[:frame.Length], b.String())
}

// Steer mirrors an emitted steer message.
func (m *CANMirror) Steer(ctx context.Context, msg control.SteerMessage) error {
	return m.write(ctx, map[string]float64{
		"system_enable":    1,
		"steer_cmd_deg":    m.steerDegrees(msg.SteeringAngle),
		"throttle_cmd_pct": msg.Throttle * 100,
	})
}

// Release mirrors a manual-driving acknowledgement by dropping system_enable.
func (m *CANMirror) Release(ctx context.Context) error {
	return m.write(ctx, map[string]float64{"system_enable": 0})
}

// Sent is the number of frames transmitted so far.
func (m *CANMirror) Sent() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *CANMirror) Close() error {
	return m.writer.Close()
}

// mirroredEmitter forwards to the session emitter and then to the CAN
// mirror. Mirror failures are logged; the simulator reply stands.
type mirroredEmitter struct {
	next   control.Emitter
	mirror *CANMirror
	log    *utils.Logger
}

func (e *mirroredEmitter) EmitSteer(ctx context.Context, msg control.SteerMessage) error {
	if err := e.next.EmitSteer(ctx, msg); err != nil {
		return err
	}
	if err := e.mirror.Steer(ctx, msg); err != nil {
		e.log.Warn("CAN mirror: %v", err)
	}
	return nil
}

func (e *mirroredEmitter) EmitManual(ctx context.Context) error {
	if err := e.next.EmitManual(ctx); err != nil {
		return err
	}
	if err := e.mirror.Release(ctx); err != nil {
		e.log.Warn("CAN mirror: %v", err)
	}
	return nil
}
