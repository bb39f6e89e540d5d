package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/pkg/types"
)

var ErrClosed = errors.New("session closed")

// Transport is the outbound side of one battle socket.
type Transport interface {
	Start()
	Send(types.Action) error
	ScheduleReconnect()
	Suppress()
	Close() error
}

// Journal records raw server frames as they arrive.
type Journal interface {
	Append(ctx context.Context, battleID string, frame []byte) error
}

type Msg interface{ isSessionMsg() }

type FromServer struct {
	Frame types.Frame
}

func (FromServer) isSessionMsg() {}

type ConnState struct {
	Open bool
	Err  error
}

func (ConnState) isSessionMsg() {}

// TimerFired is posted by the local clock once per tick interval.
type TimerFired struct{ Gen int }

func (TimerFired) isSessionMsg() {}

type Submit struct {
	ProblemID string
	Code      string
	Language  string
	Offline   bool // the caller sends it over REST itself
	Reply     chan error
}

func (Submit) isSessionMsg() {}

// AbortSubmit releases an offline submission that never got a verdict.
type AbortSubmit struct{ Reply chan error }

func (AbortSubmit) isSessionMsg() {}

type RequestEnd struct{ Reply chan error }

func (RequestEnd) isSessionMsg() {}

type SelectProblem struct {
	Index int
	Reply chan error
}

func (SelectProblem) isSessionMsg() {}

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isSessionMsg() {}

type Leave struct{ ClientID string }

func (Leave) isSessionMsg() {}

type Attach struct{ Transport Transport }

func (Attach) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type Snapshot struct {
	Version int
	State   engine.State
}

type View struct {
	Version    int
	NumClients int
	State      engine.State
}

type Options struct {
	TickInterval time.Duration
	Journal      Journal
	Logger       *zap.Logger
}

type Session struct {
	id        string
	inbox     chan Msg
	state     engine.State
	version   int
	clients   map[string]chan Snapshot
	transport Transport
	journal   Journal
	log       *zap.Logger

	tickEvery time.Duration
	timer     *time.Timer
	timerGen  int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, initial engine.State, opts Options) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:        initial.BattleID,
		inbox:     make(chan Msg, 64),
		state:     initial,
		clients:   make(map[string]chan Snapshot),
		journal:   opts.Journal,
		log:       opts.Logger.With(zap.String("battle", initial.BattleID)),
		tickEvery: opts.TickInterval,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Attach:
				if s.transport != nil {
					_ = s.transport.Close()
				}
				s.transport = msg.Transport
				if s.state.Status == engine.StatusCompleted {
					s.transport.Suppress()
					break
				}
				s.transport.Start()

			case FromServer:
				ev, ok := EventFromFrame(msg.Frame)
				if !ok {
					break
				}
				_ = s.apply(ev)

			case ConnState:
				if msg.Open {
					_ = s.apply(engine.Event{Type: engine.EvtConnected})
					break
				}
				if msg.Err != nil {
					s.log.Info("battle socket lost", zap.Error(msg.Err))
				}
				_ = s.apply(engine.Event{Type: engine.EvtConnectionLost})

			case TimerFired:
				if msg.Gen != s.timerGen || s.timer == nil {
					break // stale: superseded or stopped
				}
				s.timer = nil
				_ = s.apply(engine.Event{Type: engine.EvtTick, Timer: s.state.Timer})
				// keep counting unless the tick re-armed or stopped the clock
				if s.timer == nil && msg.Gen == s.timerGen && s.state.Timer != engine.TimerNone {
					s.schedule(msg.Gen)
				}

			case Submit:
				typ := engine.EvtSubmit
				if msg.Offline {
					typ = engine.EvtSubmitOffline
				}
				msg.Reply <- s.apply(engine.Event{
					Type:      typ,
					ProblemID: msg.ProblemID,
					Code:      msg.Code,
					Language:  msg.Language,
				})

			case AbortSubmit:
				msg.Reply <- s.apply(engine.Event{Type: engine.EvtSubmitAborted})

			case RequestEnd:
				msg.Reply <- s.apply(engine.Event{Type: engine.EvtRequestEnd})

			case SelectProblem:
				msg.Reply <- s.apply(engine.Event{Type: engine.EvtSelectProblem, Index: msg.Index})

			case Join:
				// Register client + send current snapshot immediately
				s.clients[msg.ClientID] = msg.Outbox
				select {
				case msg.Outbox <- Snapshot{Version: s.version, State: s.state.Clone()}:
				default:
					close(msg.Outbox)
					delete(s.clients, msg.ClientID)
				}

			case Leave:
				if ch, ok := s.clients[msg.ClientID]; ok {
					close(ch)
					delete(s.clients, msg.ClientID)
				}

			case GetState:
				msg.Reply <- View{
					Version:    s.version,
					NumClients: len(s.clients),
					State:      s.state.Clone(),
				}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

// apply runs one event through the engine and performs its effects.
func (s *Session) apply(ev engine.Event) error {
	effects, next, err := engine.Apply(s.state, ev)
	if err != nil {
		s.log.Debug("event rejected", zap.String("event", string(ev.Type)), zap.Error(err))
		return err
	}
	s.state = next

	var sendErr error
	for _, eff := range effects {
		if err := s.perform(eff); err != nil {
			sendErr = err
		}
	}
	if err := engine.CheckInvariants(s.state); err != nil {
		s.log.Warn("state invariant broken", zap.Error(err))
	}

	s.version++
	s.broadcast(Snapshot{Version: s.version, State: s.state.Clone()})
	return sendErr
}

func (s *Session) perform(eff engine.Effect) error {
	switch eff.Type {
	case engine.EffStartPrepTimer, engine.EffStartProblemTimer:
		s.armTimer()
	case engine.EffStopTimers:
		s.stopTimer()
	case engine.EffSendSubmit:
		if err := s.send(types.SubmitAction(eff.ProblemID, eff.Code, eff.Language)); err != nil {
			// nothing went out, so nothing is awaited
			s.state.Pending = false
			return err
		}
	case engine.EffSendRequestEnd:
		return s.send(types.RequestEndAction())
	case engine.EffScheduleReconnect:
		if s.transport != nil {
			s.transport.ScheduleReconnect()
		}
	case engine.EffSuppressReconnect:
		if s.transport != nil {
			s.transport.Suppress()
		}
	}
	return nil
}

func (s *Session) send(a types.Action) error {
	if s.transport == nil {
		return engine.ErrNotConnected
	}
	if err := s.transport.Send(a); err != nil {
		s.log.Warn("action dropped", zap.String("action", string(a.Action)), zap.Error(err))
		return err
	}
	return nil
}

// armTimer invalidates any pending fire and starts a fresh tick chain.
func (s *Session) armTimer() {
	s.stopTimer()
	s.schedule(s.timerGen)
}

func (s *Session) schedule(gen int) {
	s.timer = time.AfterFunc(s.tickEvery, func() {
		s.post(TimerFired{Gen: gen})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) post(m Msg) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) shutdown() {
	s.cancel()
	s.stopTimer()

	var err error
	if s.transport != nil {
		err = multierr.Append(err, s.transport.Close())
	}
	if err != nil {
		s.log.Warn("session shutdown", zap.Error(err))
	}
	// Subscribers that see their channel close must also see Done.
	close(s.done)
	for id, ch := range s.clients {
		close(ch) // Tell client no more snapshots
		delete(s.clients, id)
	}
}

func (s *Session) broadcast(snap Snapshot) {
	for id, ch := range s.clients {
		select {
		case ch <- snap:
			//ok
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(s.clients, id)
		}
	}
}

// Inbox exposes the actor's mailbox to the hub, the UI socket and tests.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) ID() string { return s.id }

// Done is closed once the actor has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect hands the session its battle socket and starts it.
func (s *Session) Connect(t Transport) { s.post(Attach{Transport: t}) }

// HandleOpen, HandleFrame and HandleClose run on the socket's goroutines and
// only ever post into the inbox.
func (s *Session) HandleOpen() { s.post(ConnState{Open: true}) }

func (s *Session) HandleFrame(data []byte) {
	f, ok := types.Decode(data)
	if !ok {
		s.log.Debug("frame dropped", zap.ByteString("frame", truncate(data, 256)))
		return
	}
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		if err := s.journal.Append(ctx, s.id, data); err != nil {
			s.log.Warn("journal append failed", zap.Error(err))
		}
		cancel()
	}
	s.post(FromServer{Frame: f})
}

// Deliver feeds a frame that arrived outside the socket, such as a REST
// submit result.
func (s *Session) Deliver(ctx context.Context, f types.Frame) error {
	select {
	case s.inbox <- FromServer{Frame: f}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) HandleClose(err error) { s.post(ConnState{Open: false, Err: err}) }

func (s *Session) Submit(ctx context.Context, problemID, code, language string) error {
	reply := make(chan error, 1)
	return s.ask(ctx, Submit{ProblemID: problemID, Code: code, Language: language, Reply: reply}, reply)
}

// SubmitOffline claims the pending slot for a submission the caller sends over
// REST. The verdict is handed back with Deliver; AbortSubmit gives the slot up.
func (s *Session) SubmitOffline(ctx context.Context, problemID, code, language string) error {
	reply := make(chan error, 1)
	return s.ask(ctx, Submit{ProblemID: problemID, Code: code, Language: language, Offline: true, Reply: reply}, reply)
}

func (s *Session) AbortSubmit(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.ask(ctx, AbortSubmit{Reply: reply}, reply)
}

func (s *Session) RequestEnd(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.ask(ctx, RequestEnd{Reply: reply}, reply)
}

func (s *Session) SelectProblem(ctx context.Context, index int) error {
	reply := make(chan error, 1)
	return s.ask(ctx, SelectProblem{Index: index, Reply: reply}, reply)
}

func (s *Session) ask(ctx context.Context, m Msg, reply chan error) error {
	select {
	case s.inbox <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case s.inbox <- GetState{Reply: reply}:
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.done:
		return View{}, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.done:
		return View{}, ErrClosed
	}
}

// Dispose stops the actor and waits for it to finish.
func (s *Session) Dispose() {
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
	<-s.done
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
