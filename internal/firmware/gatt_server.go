package firmware

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/afterglow-leds/bluetooth"
)

// Option configures a GattServer.
type Option func(*GattServer)

// WithLogger sets the logger used by the serve loop.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *GattServer) {
		s.log = log
	}
}

// GattServer is the attribute server of the light controller: GAP, GATT and
// Device Information. It lives for the whole process and is shared by every
// connection.
type GattServer struct {
	server *bluetooth.AttributeServer
	log    logrus.FieldLogger

	DeviceInformation DeviceInformation
}

// NewGattServer builds the attribute table. It fails with a configuration
// error when the table does not fit MaxAttributes.
func NewGattServer(name string, appearance bluetooth.Appearance, id Identity, opts ...Option) (*GattServer, error) {
	s := &GattServer{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}

	table := bluetooth.NewAttributeTable(MaxAttributes, bluetooth.GapConfig{
		Name:       name,
		Appearance: appearance,
	})
	s.DeviceInformation = NewDeviceInformation(table, id)

	server, err := bluetooth.NewAttributeServer(table)
	if err != nil {
		return nil, err
	}
	s.server = server

	return s, nil
}

// AttributeServer returns the underlying attribute server.
func (s *GattServer) AttributeServer() *bluetooth.AttributeServer { return s.server }

// EventLoop answers requests on conn until the central disconnects, which
// returns nil. Requests that fail are logged and answered with their ATT
// error response.
func (s *GattServer) EventLoop(ctx context.Context, conn *bluetooth.GattConnection) error {
	log := s.log.WithField("session", conn.Connection().ID().String())

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}

		switch ev := ev.(type) {
		case bluetooth.DisconnectedEvent:
			log.WithField("reason", ev.Reason.String()).Info("[gatt] disconnected")
			return nil

		case *bluetooth.GattEvent:
			reply, err := ev.Accept()
			if err != nil {
				log.WithError(err).Warn("[gatt] error processing a request")
			}
			if err := reply.Send(ctx); err != nil {
				if errors.Is(err, bluetooth.ErrNotConnected) {
					continue
				}
				return err
			}

		case bluetooth.ConnectionParamsUpdatedEvent:
			log.WithFields(logrus.Fields{
				"interval": ev.Params.IntervalDuration(),
				"latency":  ev.Params.Latency,
				"timeout":  ev.Params.TimeoutDuration(),
			}).Debug("[gatt] connection parameters updated")
		}
	}
}
