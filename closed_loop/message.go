package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	control "mpc-path-tracker/closed_loop/lateral_control"
)

// Socket.IO over engine.io text frames. "42" prefixes an event message
// ("4" message, "2" event); "2" alone is an engine.io ping.
const (
	eventPrefix = "42"
	enginePing  = "2"
	enginePong  = "3"
	manualFrame = `42["manual",{}]`
)

type frameKind int

const (
	frameIgnored frameKind = iota
	frameTelemetry
	frameManual
	framePing
)

func (k frameKind) String() string {
	switch k {
	case frameTelemetry:
		return "telemetry"
	case frameManual:
		return "manual"
	case framePing:
		return "ping"
	default:
		return "ignored"
	}
}

// inboundFrame is a decoded simulator frame.
type inboundFrame struct {
	kind      frameKind
	event     string
	telemetry control.Telemetry
}

// wireTelemetry detects missing fields, which plain float64 fields cannot.
type wireTelemetry struct {
	PtsX  []float64 `json:"ptsx"`
	PtsY  []float64 `json:"ptsy"`
	X     *float64  `json:"x"`
	Y     *float64  `json:"y"`
	Psi   *float64  `json:"psi"`
	Speed *float64  `json:"speed"`
}

// eventPayload extracts the JSON array of an event frame: the text from the
// first '[' through the last "}]". An empty result (no body, or a "null"
// anywhere) means the simulator is in manual mode.
func eventPayload(s string) string {
	if strings.Contains(s, "null") {
		return ""
	}
	b1 := strings.Index(s, "[")
	b2 := strings.LastIndex(s, "}]")
	if b1 < 0 || b2 < 0 || b2 < b1 {
		return ""
	}
	return s[b1 : b2+2]
}

// decodeFrame classifies a text frame. Errors are returned only for event
// frames whose payload is present but cannot be used; they wrap
// control.ErrMalformedTelemetry.
func decodeFrame(s string) (inboundFrame, error) {
	if s == enginePing {
		return inboundFrame{kind: framePing}, nil
	}
	if len(s) <= len(eventPrefix) || !strings.HasPrefix(s, eventPrefix) {
		return inboundFrame{kind: frameIgnored}, nil
	}

	payload := eventPayload(s)
	if payload == "" {
		return inboundFrame{kind: frameManual}, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &parts); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", control.ErrMalformedTelemetry, err)
	}
	if len(parts) == 0 {
		return inboundFrame{}, fmt.Errorf("%w: empty event", control.ErrMalformedTelemetry)
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: event name: %v", control.ErrMalformedTelemetry, err)
	}
	if event != "telemetry" {
		return inboundFrame{kind: frameIgnored, event: event}, nil
	}
	if len(parts) < 2 {
		return inboundFrame{}, fmt.Errorf("%w: telemetry without data", control.ErrMalformedTelemetry)
	}

	var w wireTelemetry
	if err := json.Unmarshal(parts[1], &w); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", control.ErrMalformedTelemetry, err)
	}
	var missing []string
	for name, v := range map[string]bool{
		"ptsx": w.PtsX == nil, "ptsy": w.PtsY == nil,
		"x": w.X == nil, "y": w.Y == nil, "psi": w.Psi == nil, "speed": w.Speed == nil,
	} {
		if v {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return inboundFrame{}, fmt.Errorf("%w: missing fields %s", control.ErrMalformedTelemetry, strings.Join(missing, ","))
	}

	return inboundFrame{
		kind:  frameTelemetry,
		event: event,
		telemetry: control.Telemetry{
			PtsX:  w.PtsX,
			PtsY:  w.PtsY,
			X:     *w.X,
			Y:     *w.Y,
			Psi:   *w.Psi,
			Speed: *w.Speed,
		},
	}, nil
}

// encodeSteer renders a steer reply frame.
func encodeSteer(msg control.SteerMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal steer: %w", err)
	}
	return eventPrefix + `["steer",` + string(body) + "]", nil
}
