package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/net/websocket"

	control "mpc-path-tracker/closed_loop/lateral_control"
	"mpc-path-tracker/closed_loop/recording"
	"mpc-path-tracker/utils"
)

const serviceName = "mpc-path-tracker"

type RunnerConfig struct {
	Addr       string
	ConfigPath string // empty uses DefaultControllerConfig

	// CAN mirror; disabled when Interface is empty.
	CANInterface string
	CANMapPath   string
	CANFrame     string

	// RecordPath is a SQLite file for per-cycle records; empty disables.
	RecordPath string
}

type RunnerOption func(*Runner)

// WithOptimizer replaces the augmented-Lagrangian solver.
func WithOptimizer(opt control.Optimizer) RunnerOption {
	return func(r *Runner) { r.opt = opt }
}

// WithCANWriter mirrors onto w instead of opening a SocketCAN interface.
func WithCANWriter(w utils.CANWriter) RunnerOption {
	return func(r *Runner) { r.canWriter = w }
}

// Runner serves the simulator: one websocket connection is one session with
// its own control loop. Sessions share only the immutable controller config,
// the CAN mirror and the recorder.
type Runner struct {
	cfg  RunnerConfig
	log  *utils.Logger
	ctrl ControllerConfig
	opt  control.Optimizer

	canWriter utils.CANWriter
	mirror    *CANMirror
	recorder  *recording.Recorder
	ws        websocket.Server

	started time.Time

	mu       sync.Mutex
	sessions map[string]*session
	served   uint64
}

// NewRunner loads the controller config and opens the optional CAN mirror
// and recorder. ctx bounds only the SocketCAN dial.
func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger, opts ...RunnerOption) (*Runner, error) {
	ctrl := DefaultControllerConfig()
	if cfg.ConfigPath != "" {
		var err error
		if ctrl, err = LoadControllerConfig(cfg.ConfigPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	r := &Runner{
		cfg:      cfg,
		log:      log,
		ctrl:     ctrl,
		started:  time.Now(),
		sessions: map[string]*session{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.opt == nil {
		r.opt = control.NewAugmentedLagrangian(ctrl.Solver)
	}
	r.ws = websocket.Server{
		Handler: r.handleConn,
		// The simulator's socket.io client sends no usable Origin.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}

	if cfg.CANInterface != "" || r.canWriter != nil {
		if err := r.openCANMirror(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.RecordPath != "" {
		rec, err := recording.Open(cfg.RecordPath)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		r.recorder = rec
	}
	return r, nil
}

func (r *Runner) openCANMirror(ctx context.Context) error {
	cmap, err := utils.LoadCANMap(r.cfg.CANMapPath)
	if err != nil {
		return fmt.Errorf("load can map: %w", err)
	}
	writer := r.canWriter
	if writer == nil {
		if writer, err = utils.NewSocketCANWriter(ctx, r.cfg.CANInterface); err != nil {
			return err
		}
	}
	mirror, err := NewCANMirror(cmap, r.cfg.CANFrame, writer, &r.ctrl.MPCConfig, r.log.With("can"))
	if err != nil {
		return multierr.Append(err, writer.Close())
	}
	r.mirror = mirror
	return nil
}

// Close releases the CAN mirror and the recorder.
func (r *Runner) Close() error {
	var err error
	if r.mirror != nil {
		err = multierr.Append(err, r.mirror.Close())
	}
	if r.recorder != nil {
		err = multierr.Append(err, r.recorder.Close())
	}
	return err
}

// Handler routes websocket upgrades to the session handler and serves the
// status document on "/".
func (r *Runner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", r.ws)
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			r.ws.ServeHTTP(w, req)
			return
		}
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		r.serveStatus(w, req)
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts the server down and closes
// every open session.
func (r *Runner) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}

	mpc := r.ctrl.MPCConfig
	r.log.Info("Listening: addr=%s horizon=%d dt=%.3f ref_speed=%.2f lf=%.2f max_steer=%.1fdeg latency=%s speed_unit=%s can=%t record=%t",
		ln.Addr(), mpc.HorizonSteps, mpc.TimeStep, mpc.ReferenceSpeed, mpc.Lf, mpc.MaxSteerDeg,
		mpc.LatencyDuration(), r.ctrl.SpeedUnit, r.mirror != nil, r.recorder != nil)

	srv := &http.Server{
		Handler:           r.Handler(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		r.log.Warn("Context canceled; stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		err := multierr.Combine(srv.Shutdown(shutdownCtx), r.closeSessions())
		r.log.Info("Stopped. sessions_served=%d", r.servedCount())
		if err != nil {
			return err
		}
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

func (r *Runner) closeSessions() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, s := range r.sessions {
		err = multierr.Append(err, s.conn.Close())
	}
	return err
}

func (r *Runner) servedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served
}

type statusDocument struct {
	Service        string   `json:"service"`
	Uptime         string   `json:"uptime"`
	ActiveSessions []string `json:"active_sessions"`
	SessionsServed uint64   `json:"sessions_served"`
	CANFramesSent  uint64   `json:"can_frames_sent"`
	Recording      bool     `json:"recording"`
}

func (r *Runner) status() statusDocument {
	r.mu.Lock()
	doc := statusDocument{
		Service:        serviceName,
		Uptime:         time.Since(r.started).Truncate(time.Second).String(),
		ActiveSessions: make([]string, 0, len(r.sessions)),
		SessionsServed: r.served,
		Recording:      r.recorder != nil,
	}
	for id := range r.sessions {
		doc.ActiveSessions = append(doc.ActiveSessions, id)
	}
	r.mu.Unlock()

	sort.Strings(doc.ActiveSessions)
	if r.mirror != nil {
		doc.CANFramesSent = r.mirror.Sent()
	}
	return doc
}

func (r *Runner) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.status()); err != nil {
		r.log.Error("status encode: %v", err)
	}
}

// session is one simulator connection.
type session struct {
	id       string
	conn     *websocket.Conn
	loop     *control.ControlLoop
	emitter  control.Emitter
	fallback *fallback
	mpc      *control.MPCConfig
	log      *utils.Logger
}

func (r *Runner) register(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	r.served++
}

func (r *Runner) unregister(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}

func (r *Runner) handleConn(conn *websocket.Conn) {
	id := uuid.NewString()
	s := &session{
		id:       id,
		conn:     conn,
		fallback: newFallback(r.ctrl.Fallback, &r.ctrl.MPCConfig),
		mpc:      &r.ctrl.MPCConfig,
		log:      r.log.With("session " + id[:8]),
	}

	s.emitter = &wsEmitter{conn: conn}
	if r.mirror != nil {
		s.emitter = &mirroredEmitter{next: s.emitter, mirror: r.mirror, log: s.log}
	}
	opts := []control.LoopOption{}
	if r.recorder != nil {
		opts = append(opts, control.WithObserver(&recordingObserver{rec: r.recorder, sessionID: id, log: s.log}))
	}
	s.loop = control.NewControlLoop(&r.ctrl.MPCConfig, r.opt, s.emitter, s.log, opts...)

	r.register(s)
	s.log.Info("Connected: session=%s remote=%s", id, conn.Request().RemoteAddr)
	defer func() {
		s.loop.Disconnect()
		r.unregister(s)
		s.log.Info("Disconnected: session=%s cycles=%d", id, s.loop.Cycles())
	}()

	ctx := conn.Request().Context()
	for {
		var text string
		if err := websocket.Message.Receive(conn, &text); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn("receive: %v", err)
			}
			return
		}
		if err := r.dispatch(ctx, s, text); errors.Is(err, control.ErrDisconnected) {
			return
		}
	}
}

// dispatch handles one inbound frame. Cycle failures are logged by the loop
// and do not end the session; only ErrDisconnected is returned.
func (r *Runner) dispatch(ctx context.Context, s *session, text string) error {
	in, err := decodeFrame(text)
	if err != nil {
		s.log.Warn("dropping frame: %v", err)
		return nil
	}
	s.log.Trace("RX %s (%d bytes)", in.kind, len(text))

	switch in.kind {
	case framePing:
		if err := websocket.Message.Send(s.conn, enginePong); err != nil {
			return fmt.Errorf("%w: %v", control.ErrDisconnected, err)
		}
	case frameManual:
		err = s.loop.HandleManual(ctx)
	case frameTelemetry:
		t := in.telemetry
		t.Speed = r.ctrl.SpeedToMPS(t.Speed)
		var msg *control.SteerMessage
		msg, err = s.loop.HandleTelemetry(ctx, t)
		switch {
		case err == nil:
			s.fallback.observe(*msg)
		case !errors.Is(err, control.ErrDisconnected):
			err = s.sendFallback(ctx, t)
		}
	case frameIgnored:
		if in.event != "" {
			s.log.Debug("ignoring event %q", in.event)
		}
	}
	if errors.Is(err, control.ErrDisconnected) {
		return err
	}
	return nil
}

// sendFallback replies to a failed cycle according to the fallback mode.
func (s *session) sendFallback(ctx context.Context, t control.Telemetry) error {
	msg, ok := s.fallback.command(t)
	if !ok {
		return nil
	}
	if s.fallback.mode == FallbackPID {
		sd, td := s.fallback.steer.Diagnostics(), s.fallback.throttle.Diagnostics()
		s.log.Debug("fallback pid: steer err=%.4f i=%.4f throttle err=%.4f i=%.4f", sd.Error, sd.Integral, td.Error, td.Integral)
	}
	s.log.Debug("fallback %s: steer=%.4f throttle=%.4f", s.fallback.mode, msg.SteeringAngle, msg.Throttle)
	if err := s.emitter.EmitSteer(ctx, msg); err != nil {
		if errors.Is(err, control.ErrDisconnected) {
			s.loop.Disconnect()
		}
		return err
	}
	s.loop.NoteIssued(s.mpc.CommandFromSteer(msg))
	return nil
}

// wsEmitter writes socket.io frames to the session's websocket.
type wsEmitter struct {
	conn *websocket.Conn
}

func (e *wsEmitter) send(frame string) error {
	if err := websocket.Message.Send(e.conn, frame); err != nil {
		return fmt.Errorf("%w: %v", control.ErrDisconnected, err)
	}
	return nil
}

func (e *wsEmitter) EmitSteer(_ context.Context, msg control.SteerMessage) error {
	frame, err := encodeSteer(msg)
	if err != nil {
		return err
	}
	return e.send(frame)
}

func (e *wsEmitter) EmitManual(context.Context) error {
	return e.send(manualFrame)
}

// recordingObserver stores every cycle report of one session.
type recordingObserver struct {
	rec       *recording.Recorder
	sessionID string
	log       *utils.Logger
}

func (o *recordingObserver) ObserveCycle(rep control.CycleReport) {
	c := recording.Cycle{
		SessionID:  o.sessionID,
		Cycle:      rep.Cycle,
		RecordedAt: rep.Started,
		Speed:      rep.Telemetry.Speed,
		CTE:        rep.Measured.CTE,
		EPsi:       rep.Measured.EPsi,
		Cost:       rep.Cost,
		FitTime:    rep.FitTime,
		SolveTime:  rep.SolveTime,
		Emitted:    rep.Steer != nil,
	}
	if rep.Steer != nil {
		c.Steering = rep.Steer.SteeringAngle
		c.Throttle = rep.Steer.Throttle
	}
	if rep.Err != nil {
		c.FailedIn = string(rep.FailedIn)
		c.Error = rep.Err.Error()
	}
	// Recording must outlive a cancelled request context.
	if err := o.rec.Record(context.Background(), c); err != nil {
		o.log.Warn("record cycle %d: %v", rep.Cycle, err)
	}
}
