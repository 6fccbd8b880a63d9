package bluetooth

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Option configures a Host.
type Option func(*options)

type options struct {
	log            logrus.FieldLogger
	commandTimeout time.Duration
}

// WithLogger sets the logger the stack reports to.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithCommandTimeout sets how long to wait for the controller to complete an
// HCI command.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

type acceptResult struct {
	conn *Connection
	err  error
}

// stack is the state shared by the runner and the peripheral.
type stack struct {
	hci     *hci
	res     *resources
	log     logrus.FieldLogger
	address Address

	// runner only
	rng *rand.ChaCha8

	initOnce sync.Once
	initErr  error

	incoming chan acceptResult
}

func (s *stack) newSessionID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		// ChaCha8 never fails to read.
		return uuid.Nil
	}
	return id
}

// Host owns the controller transport and the resource pool. It is split once
// into a Peripheral for the application and a Runner that has to be driven
// concurrently.
type Host struct {
	stack *stack
	split atomic.Bool
}

// NewHost builds a host for controller, using mac as its random static
// address and random to seed its generator. The process wide resource pool
// is claimed here, so NewHost may be called only once.
func NewHost(mac MAC, controller Controller, random io.Reader, opts ...Option) (*Host, error) {
	return newHost(hostResources.claim(), mac, controller, random, opts...)
}

func newHost(res *resources, mac MAC, controller Controller, random io.Reader, opts ...Option) (*Host, error) {
	o := options{
		log:            logrus.StandardLogger(),
		commandTimeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var seed [32]byte
	if _, err := io.ReadFull(random, seed[:]); err != nil {
		return nil, configError("seed", errors.Wrap(err, "read random seed"))
	}

	address := RandomStaticAddress(mac)
	log := o.log.WithField("address", address.MAC.String())

	return &Host{
		stack: &stack{
			hci:      newHCI(controller, log, o.commandTimeout),
			res:      res,
			log:      log,
			address:  address,
			rng:      rand.NewChaCha8(seed),
			incoming: make(chan acceptResult, MaxConnections),
		},
	}, nil
}

// Address returns the device address the host advertises with.
func (h *Host) Address() Address { return h.stack.address }

// Run splits the host into its two halves. It panics when called twice.
func (h *Host) Run() (*Peripheral, *Runner) {
	if !h.split.CompareAndSwap(false, true) {
		panic("bluetooth: host already running")
	}
	return &Peripheral{stack: h.stack}, &Runner{stack: h.stack}
}

// ensureInitialized brings the controller up on first use: reset, event
// masks, buffer sizes and the random address.
func (s *stack) ensureInitialized(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initController(ctx)
	})
	return s.initErr
}

func (s *stack) initController(ctx context.Context) error {
	h := s.hci

	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := h.setEventMask(ctx, hciEventMaskDefault); err != nil {
		return err
	}
	if err := h.setLeEventMask(ctx, hciLEEventMaskDefault); err != nil {
		return err
	}
	if err := h.readBufferSize(ctx); err != nil {
		return err
	}
	if err := h.leSetRandomAddress(ctx, s.address.MAC); err != nil {
		return err
	}

	s.log.Info("controller initialized")

	return nil
}
