package firmware

import (
	"context"
	"fmt"

	"github.com/afterglow-leds/bluetooth"
	"github.com/afterglow-leds/bluetooth/internal/groutine"
)

// Phase names the part of the firmware that failed.
type Phase uint8

const (
	PhaseRunner Phase = iota
	PhaseAdvertising
	PhaseGatt
)

func (p Phase) String() string {
	switch p {
	case PhaseRunner:
		return "ble_task"
	case PhaseAdvertising:
		return "adv"
	case PhaseGatt:
		return "gatt"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// FatalError is an error the device cannot continue after.
type FatalError struct {
	Phase Phase
	Err   error
}

// Origin tells whether the controller, the host or the configuration is at
// fault.
func (e *FatalError) Origin() bluetooth.Origin { return bluetooth.OriginOf(e.Err) }

func (e *FatalError) Error() string {
	return fmt.Sprintf("[%s] error occurred in the BLE %s: %v", e.Phase, e.Origin(), e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Run splits host, drives its runner in the background and serves one
// central after another: advertise, serve until disconnected, advertise
// again. It returns only when ctx is done or on a *FatalError.
func Run(ctx context.Context, host *bluetooth.Host, server *GattServer, name string) error {
	peripheral, runner := host.Run()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	groutine.Go(ctx, "ble-runner", func(ctx context.Context) {
		runErr <- runner.Run(ctx)
	})

	serveErr := make(chan error, 1)
	groutine.Go(ctx, "gatt-server", func(ctx context.Context) {
		serveErr <- server.serve(ctx, peripheral, name)
	})

	select {
	case err := <-runErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FatalError{Phase: PhaseRunner, Err: err}
	case err := <-serveErr:
		return err
	}
}

func (s *GattServer) serve(ctx context.Context, peripheral *bluetooth.Peripheral, name string) error {
	for {
		conn, err := Advertise(ctx, name, peripheral, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &FatalError{Phase: PhaseAdvertising, Err: err}
		}

		if err := s.EventLoop(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &FatalError{Phase: PhaseGatt, Err: err}
		}
	}
}
