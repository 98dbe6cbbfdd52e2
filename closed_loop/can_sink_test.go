package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	control "mpc-path-tracker/closed_loop/lateral_control"
	"mpc-path-tracker/utils"
)

type fakeCANWriter struct {
	frames []can.Frame
	err    error
	closed bool
}

func (w *fakeCANWriter) WriteFrame(_ context.Context, f can.Frame) error {
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeCANWriter) Close() error {
	w.closed = true
	return nil
}

func loadActuatorMap(t *testing.T) *utils.CANMap {
	t.Helper()
	m, err := utils.LoadCANMap(filepath.Join("..", "config", "can", "actuator_map.csv"))
	require.NoError(t, err)
	return m
}

func newTestMirror(t *testing.T, cfg control.MPCConfig, w utils.CANWriter) *CANMirror {
	t.Helper()
	m, err := NewCANMirror(loadActuatorMap(t), "ACTUATOR_CMD_1", w, &cfg, utils.NewLogger(nil, utils.INFO))
	require.NoError(t, err)
	return m
}

func TestCANMirrorSteer(t *testing.T) {
	cfg := control.DefaultMPCConfig()
	cfg.NormalizeSteering = true
	w := &fakeCANWriter{}
	m := newTestMirror(t, cfg, w)

	// Emitted -0.5 normalized is solver steering +12.5 deg (left).
	require.NoError(t, m.Steer(context.Background(), control.SteerMessage{SteeringAngle: -0.5, Throttle: 0.42}))
	require.Len(t, w.frames, 1)
	assert.Equal(t, uint32(0x200), w.frames[0].ID)

	values, err := m.cmap.DecodeFrame(w.frames[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, values["system_enable"])
	assert.InDelta(t, 12.5, values["steer_cmd_deg"], 0.01)
	assert.InDelta(t, 42.0, values["throttle_cmd_pct"], 0.01)
	assert.Equal(t, uint64(1), m.Sent())
}

func TestCANMirrorRadiansAndRelease(t *testing.T) {
	w := &fakeCANWriter{}
	m := newTestMirror(t, control.DefaultMPCConfig(), w)

	require.NoError(t, m.Steer(context.Background(), control.SteerMessage{SteeringAngle: 0.1}))
	require.NoError(t, m.Release(context.Background()))
	require.Len(t, w.frames, 2)

	values, err := m.cmap.DecodeFrame(w.frames[0])
	require.NoError(t, err)
	assert.InDelta(t, -5.73, values["steer_cmd_deg"], 0.01)

	values, err = m.cmap.DecodeFrame(w.frames[1])
	require.NoError(t, err)
	assert.Equal(t, 0.0, values["system_enable"])
	assert.Equal(t, 0.0, values["steer_cmd_deg"])

	require.NoError(t, m.Close())
	assert.True(t, w.closed)
}

func TestNewCANMirrorRejectsFrame(t *testing.T) {
	cfg := control.DefaultMPCConfig()
	_, err := NewCANMirror(loadActuatorMap(t), "NOPE", &fakeCANWriter{}, &cfg, nil)
	assert.Error(t, err)
}

type stubEmitter struct {
	steers, manuals int
	err             error
}

func (e *stubEmitter) EmitSteer(context.Context, control.SteerMessage) error {
	e.steers++
	return e.err
}

func (e *stubEmitter) EmitManual(context.Context) error {
	e.manuals++
	return e.err
}

func TestMirroredEmitter(t *testing.T) {
	w := &fakeCANWriter{}
	next := &stubEmitter{}
	em := &mirroredEmitter{next: next, mirror: newTestMirror(t, control.DefaultMPCConfig(), w), log: utils.NewLogger(nil, utils.INFO)}

	require.NoError(t, em.EmitSteer(context.Background(), control.SteerMessage{}))
	require.NoError(t, em.EmitManual(context.Background()))
	assert.Equal(t, 1, next.steers)
	assert.Equal(t, 1, next.manuals)
	assert.Len(t, w.frames, 2)

	// A bus failure does not fail the simulator reply.
	w.err = errors.New("bus off")
	assert.NoError(t, em.EmitSteer(context.Background(), control.SteerMessage{}))

	// A disconnected session is not mirrored.
	next.err = control.ErrDisconnected
	w.err = nil
	assert.ErrorIs(t, em.EmitSteer(context.Background(), control.SteerMessage{}), control.ErrDisconnected)
	assert.Len(t, w.frames, 2)
}

func TestCANMirrorTracesDecodedValues(t *testing.T) {
	cfg := control.DefaultMPCConfig()
	cfg.NormalizeSteering = true
	var buf bytes.Buffer
	m, err := NewCANMirror(loadActuatorMap(t), "ACTUATOR_CMD_1", &fakeCANWriter{}, &cfg, utils.NewLogger(&buf, utils.TRACE))
	require.NoError(t, err)

	require.NoError(t, m.Steer(context.Background(), control.SteerMessage{SteeringAngle: -0.5, Throttle: 0.42}))
	out := buf.String()
	assert.Contains(t, out, "TX id=0x200")
	assert.Contains(t, out, "steer_cmd_deg=12.5")
	assert.Contains(t, out, "system_enable=1.000")

	// Below TRACE nothing is decoded or written.
	buf.Reset()
	m.log.SetMinLevel(utils.DEBUG)
	require.NoError(t, m.Release(context.Background()))
	assert.Empty(t, buf.String())
}
