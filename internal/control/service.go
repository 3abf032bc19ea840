// Package control exposes the local listening session on the bus: request
// and reply subjects drive its lifecycle and its events are republished for
// other nodes.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/nats-io/nats.go"
)

// Session is the part of the session controller driven over the bus.
type Session interface {
	Initialize(ctx context.Context) bool
	StartListening(ctx context.Context) bool
	StopListening(ctx context.Context) bool
	State() session.State
}

type Service struct {
	bus     *bus.Client
	session Session
	log     *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

// NewService binds sess to the listen.ctrl.* subjects. timeout bounds how
// long a request waits for the session; an initialization that outlasts it
// keeps running and the reply reports the state at that moment.
func NewService(parent context.Context, busClient *bus.Client, sess Session, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		bus:     busClient,
		session: sess,
		log:     log.With(slog.String("component", "control")),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]func(context.Context) bool{
		protocol.SubjectControlInitialize: s.session.Initialize,
		protocol.SubjectControlStart:      s.session.StartListening,
		protocol.SubjectControlStop:       s.session.StopListening,
		protocol.SubjectControlState:      func(context.Context) bool { return true },
	}
	for subject, op := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, s.handler(subject, op))
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// handler runs op off the subscription goroutine so a slow initialization
// does not hold up other requests.
func (s *Service) handler(subject string, op func(context.Context) bool) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
			defer cancel()

			ok := op(ctx)
			reply := protocol.ControlReply{OK: ok, State: s.session.State().String()}
			if !ok {
				reply.Error = fmt.Sprintf("%s rejected in state %s", subject, reply.State)
			}
			s.log.Debug("control request",
				slog.String("subject", subject),
				slog.Bool("ok", ok),
				slog.String("state", reply.State))
			if msg.Reply == "" {
				return
			}
			if err := s.bus.PublishJSON(msg.Reply, reply); err != nil {
				s.log.Warn("failed to send control reply", slog.String("subject", subject), slogError(err))
			}
		}()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
