package bluetooth

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterglow-leds/bluetooth/internal/hcitest"
)

const testTimeout = 2 * time.Second

var testPeer = [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

type testHost struct {
	ctrl       *hcitest.Controller
	peripheral *Peripheral
	hook       *test.Hook
	runErr     chan error
}

func newTestHost(t *testing.T, setup func(*hcitest.Controller), opts ...Option) *testHost {
	t.Helper()

	ctrl := hcitest.New()
	if setup != nil {
		setup(ctrl)
	}

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	opts = append([]Option{WithLogger(log), WithCommandTimeout(time.Second)}, opts...)
	host, err := newHost(new(resourceCell).claim(), MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, ctrl,
		bytes.NewReader(make([]byte, 32)), opts...)
	require.NoError(t, err)

	peripheral, runner := host.Run()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		ctrl.Close()
	})

	return &testHost{ctrl: ctrl, peripheral: peripheral, hook: hook, runErr: runErr}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func (h *testHost) advertise(t *testing.T) *Advertiser {
	t.Helper()

	adv, err := h.peripheral.Advertise(testContext(t), DefaultAdvertisementParameters(),
		Advertisement{AdvData: []byte{0x02, 0x01, 0x06}})
	require.NoError(t, err)
	return adv
}

func (h *testHost) connect(t *testing.T, handle uint16, server *AttributeServer) *GattConnection {
	t.Helper()

	adv := h.advertise(t)
	h.ctrl.Connect(handle, testPeer)

	conn, err := adv.Accept(testContext(t))
	require.NoError(t, err)
	require.Equal(t, handle, conn.Handle())

	gatt, err := conn.WithAttributeServer(server)
	require.NoError(t, err)
	return gatt
}

func next(t *testing.T, g *GattConnection) GattConnectionEvent {
	t.Helper()

	ev, err := g.Next(testContext(t))
	require.NoError(t, err)
	return ev
}

// roundTrip sends req from the central and returns the ATT PDU the host
// answered with.
func (h *testHost) roundTrip(t *testing.T, g *GattConnection, req []byte) hcitest.Frame {
	t.Helper()

	h.ctrl.SendATT(g.Connection().Handle(), req)

	ev, ok := next(t, g).(*GattEvent)
	require.True(t, ok, "expected a gatt event")
	reply, err := ev.Accept()
	require.NoError(t, err)
	require.NoError(t, reply.Send(testContext(t)))

	frame, ok := h.ctrl.ReadFrame(testTimeout)
	require.True(t, ok, "no frame sent")
	assert.Equal(t, uint16(attCID), frame.CID)
	return frame
}

func (h *testHost) assertLogged(t *testing.T, level logrus.Level, msg string) {
	t.Helper()

	assert.Eventually(t, func() bool {
		for _, e := range h.hook.AllEntries() {
			if e.Level == level && e.Message == msg {
				return true
			}
		}
		return false
	}, testTimeout, 10*time.Millisecond, "expected %s log %q", level, msg)
}

func opcodes(cmds []hcitest.Command) []uint16 {
	ops := make([]uint16, len(cmds))
	for i, c := range cmds {
		ops[i] = c.Opcode
	}
	return ops
}

func TestHostRunTwicePanics(t *testing.T) {
	host, err := newHost(new(resourceCell).claim(), MAC{}, hcitest.New(), bytes.NewReader(make([]byte, 32)))
	require.NoError(t, err)

	host.Run()
	assert.PanicsWithValue(t, "bluetooth: host already running", func() {
		host.Run()
	})
}

func TestNewHostNeedsSeed(t *testing.T) {
	_, err := newHost(new(resourceCell).claim(), MAC{}, hcitest.New(), bytes.NewReader(make([]byte, 4)))
	assert.Error(t, err)
	assert.Equal(t, OriginConfig, OriginOf(err))
}

func TestAdvertiseInitializesController(t *testing.T) {
	h := newTestHost(t, nil)
	h.advertise(t)

	cmds := h.ctrl.Commands()
	assert.Equal(t, []uint16{
		hcitest.OpReset,
		hcitest.OpSetEventMask,
		hcitest.OpLESetEventMask,
		hcitest.OpLEReadBufferSize,
		hcitest.OpLESetRandomAddress,
		hcitest.OpLESetAdvertisingParameters,
		hcitest.OpLESetAdvertisingData,
		hcitest.OpLESetScanResponseData,
		hcitest.OpLESetAdvertiseEnable,
	}, opcodes(cmds))

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0xc6}, cmds[4].Params)

	params := cmds[5].Params
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x01}, params[0:4], "160ms interval")
	assert.Equal(t, byte(AddressTypeRandom), params[5])
	assert.Equal(t, byte(0x07), params[13])

	assert.Len(t, cmds[6].Params, 32)
	assert.Equal(t, []byte{0x03, 0x02, 0x01, 0x06}, cmds[6].Params[:4])
	assert.Equal(t, []byte{0x01}, cmds[8].Params)
}

func TestAdvertiseFallsBackToSharedBuffers(t *testing.T) {
	h := newTestHost(t, func(c *hcitest.Controller) {
		c.SharedBuffers = true
	})
	h.advertise(t)

	assert.Contains(t, opcodes(h.ctrl.Commands()), hcitest.OpReadBufferSize)
}

func TestAdvertiseDataTooLong(t *testing.T) {
	h := newTestHost(t, nil)

	_, err := h.peripheral.Advertise(testContext(t), DefaultAdvertisementParameters(),
		Advertisement{AdvData: make([]byte, 32)})
	assert.ErrorIs(t, err, ErrAdvertisingDataTooLong)
	assert.Equal(t, OriginConfig, OriginOf(err))
	assert.Empty(t, h.ctrl.Commands())
}

func TestAdvertiseCommandFailure(t *testing.T) {
	h := newTestHost(t, func(c *hcitest.Controller) {
		c.FailCommand(hcitest.OpLESetAdvertisingParameters, 0x12)
	})

	_, err := h.peripheral.Advertise(testContext(t), DefaultAdvertisementParameters(), Advertisement{})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, uint8(0x12), status.Status)
	assert.Equal(t, OriginController, OriginOf(err))

	// the advertising set is released again
	c := h.peripheral.stack.res
	set, err := c.acquireAdvertisingSet()
	assert.NoError(t, err)
	c.releaseAdvertisingSet(set)
}

func TestCommandTimeout(t *testing.T) {
	h := newTestHost(t, func(c *hcitest.Controller) {
		c.IgnoreCommand(hcitest.OpReset)
	}, WithCommandTimeout(50*time.Millisecond))

	_, err := h.peripheral.Advertise(testContext(t), DefaultAdvertisementParameters(), Advertisement{})
	assert.ErrorIs(t, err, ErrHCITimeout)
	assert.Equal(t, OriginController, OriginOf(err))
}

func TestGattReadOverLink(t *testing.T) {
	h := newTestHost(t, nil)
	server := newTestServer(t)
	g := h.connect(t, 0x40, server)

	assert.Equal(t, Address{MAC: MAC(testPeer), Type: AddressTypePublic}, g.Connection().Peer())
	assert.Equal(t, 30*time.Millisecond, g.Connection().Params().IntervalDuration())
	assert.NotEqual(t, g.Connection().ID().String(), "")
	assert.Equal(t, 1, server.Sessions())

	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, append([]byte{attOpReadResponse}, "AG-1"...), frame.Payload)
}

func TestGattRequestReassembly(t *testing.T) {
	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, newTestServer(t))

	h.ctrl.SendL2CAP(0x40, attCID, []byte{attOpReadReq, 0x0d, 0x00}, 5)

	ev, ok := next(t, g).(*GattEvent)
	require.True(t, ok)
	assert.Equal(t, uint8(attOpReadReq), ev.Opcode())
	reply, err := ev.Accept()
	require.NoError(t, err)
	assert.Equal(t, append([]byte{attOpReadResponse}, "0001"...), reply.Bytes())

	_, err = ev.Accept()
	assert.Error(t, err, "an event is accepted once")
}

func TestGattResponseFragmentation(t *testing.T) {
	table := NewAttributeTable(9, GapConfig{Name: "n"})
	svc := table.AddService(ServiceUUIDDeviceInformation)
	c := svc.AddCharacteristicRO(CharacteristicUUIDSerialNumberString, bytes.Repeat([]byte{'s'}, 40))
	svc.Build()
	server, err := NewAttributeServer(table)
	require.NoError(t, err)

	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, server)

	frame := h.roundTrip(t, g, []byte{attOpMTUReq, 0xf7, 0x00})
	assert.Equal(t, []byte{attOpMTUResponse, 0xfb, 0x00}, frame.Payload)
	assert.Equal(t, uint16(0xf7), g.MTU())

	frame = h.roundTrip(t, g, []byte{attOpReadReq, byte(c.ValueHandle), 0x00})
	assert.Len(t, frame.Payload, 41)
	assert.Equal(t, 2, frame.Fragments)
}

func TestReplyWaitsForBufferCredits(t *testing.T) {
	h := newTestHost(t, func(c *hcitest.Controller) {
		c.ACLBufferCount = 1
		c.HoldCredits = true
	})
	g := h.connect(t, 0x40, newTestServer(t))

	h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})

	h.ctrl.SendATT(0x40, []byte{attOpReadReq, 0x0b, 0x00})
	ev, ok := next(t, g).(*GattEvent)
	require.True(t, ok)
	reply, err := ev.Accept()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reply.Send(ctx), context.DeadlineExceeded)

	h.ctrl.CompletePackets(0x40, 1)
	require.NoError(t, reply.Send(testContext(t)))
	_, ok = h.ctrl.ReadFrame(testTimeout)
	assert.True(t, ok)
}

func TestSecondConnectionRefused(t *testing.T) {
	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, newTestServer(t))

	h.ctrl.Connect(0x41, [6]byte{0x01})

	cmd, ok := h.ctrl.WaitCommand(hcitest.OpDisconnect, testTimeout)
	require.True(t, ok)
	assert.Equal(t, []byte{0x41, 0x00, hciRejectedLimitedResources}, cmd.Params)
	h.assertLogged(t, logrus.WarnLevel, "refusing connection")

	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, append([]byte{attOpReadResponse}, "AG-1"...), frame.Payload)
}

func TestEnhancedConnectionComplete(t *testing.T) {
	h := newTestHost(t, nil)
	adv := h.advertise(t)

	peer := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0xc6}
	h.ctrl.ConnectEnhanced(0x42, uint8(AddressTypeRandom), peer, 24, 2, 400)

	conn, err := adv.Accept(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x42), conn.Handle())
	assert.Equal(t, Address{MAC: MAC(peer), Type: AddressTypeRandom}, conn.Peer())
	assert.Equal(t, ConnectionParams{Interval: 24, Latency: 2, Timeout: 400}, conn.Params())

	g, err := conn.WithAttributeServer(newTestServer(t))
	require.NoError(t, err)
	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, uint16(0x42), frame.Handle)
}

func TestConnectionFailureEndsAdvertisingWindow(t *testing.T) {
	h := newTestHost(t, nil)
	adv := h.advertise(t)

	h.ctrl.ConnectFailed(0x3e)

	_, err := adv.Accept(testContext(t))
	require.Error(t, err)
	assert.Equal(t, OriginController, OriginOf(err))
	assert.Contains(t, err.Error(), "connection failed to be established")
}

func TestConnectionFailureOutsideAdvertisingIgnored(t *testing.T) {
	h := newTestHost(t, nil)
	server := newTestServer(t)
	g := h.connect(t, 0x40, server)
	h.ctrl.Disconnect(0x40, hcitest.ReasonRemoteUserTerminated)
	assert.IsType(t, DisconnectedEvent{}, next(t, g))

	h.ctrl.ConnectFailed(0x3e)
	h.assertLogged(t, logrus.WarnLevel, "connection failed outside an advertising window")

	g = h.connect(t, 0x41, server)
	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, uint16(0x41), frame.Handle)
}

func TestReaderLogsGoroutineName(t *testing.T) {
	h := newTestHost(t, nil)
	h.assertLogged(t, logrus.DebugLevel, "reading controller")

	for _, e := range h.hook.AllEntries() {
		if e.Message == "reading controller" {
			assert.Equal(t, "hci-reader", e.Data["goroutine"])
		}
	}
}

func TestBindTwice(t *testing.T) {
	h := newTestHost(t, nil)
	server := newTestServer(t)
	g := h.connect(t, 0x40, server)

	_, err := g.Connection().WithAttributeServer(server)
	assert.ErrorIs(t, err, ErrAlreadyBound)
}

func TestDisconnectEndsConnection(t *testing.T) {
	h := newTestHost(t, nil)
	server := newTestServer(t)
	g := h.connect(t, 0x40, server)

	h.ctrl.Disconnect(0x40, hcitest.ReasonRemoteUserTerminated)

	assert.Equal(t, DisconnectedEvent{Reason: DisconnectReasonRemoteUserTerminated}, next(t, g))
	assert.Equal(t, DisconnectedEvent{Reason: DisconnectReasonRemoteUserTerminated}, next(t, g))
	assert.Zero(t, server.Sessions())
	assert.Zero(t, h.peripheral.stack.res.liveConnections())

	// the slot is free for the next central
	g = h.connect(t, 0x41, server)
	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, uint16(0x41), frame.Handle)
}

func TestLocalDisconnect(t *testing.T) {
	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, newTestServer(t))

	require.NoError(t, g.Connection().Disconnect(testContext(t)))
	assert.Equal(t, DisconnectedEvent{Reason: DisconnectReasonLocalHostTerminated}, next(t, g))
	assert.ErrorIs(t, g.Connection().Disconnect(testContext(t)), ErrNotConnected)
}

func TestConnectionParamsUpdated(t *testing.T) {
	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, newTestServer(t))

	h.ctrl.UpdateConnection(0x40, 40, 0, 500)
	assert.Equal(t, ConnectionParamsUpdatedEvent{Params: ConnectionParams{Interval: 40, Timeout: 500}}, next(t, g))

	h.ctrl.RequestConnectionParams(0x40, 6, 12, 0, 400)
	cmd, ok := h.ctrl.WaitCommand(hcitest.OpLEParamRequestReply, testTimeout)
	require.True(t, ok)
	assert.Len(t, cmd.Params, 14)
	assert.Equal(t, []byte{0x40, 0x00, 0x06, 0x00, 0x0c, 0x00}, cmd.Params[:6])
}

func TestUnsupportedSignalingRejected(t *testing.T) {
	h := newTestHost(t, nil)
	h.connect(t, 0x40, newTestServer(t))

	h.ctrl.SendL2CAP(0x40, signalingCID, []byte{0x14, 0x07, 0x00, 0x00}, 0)

	frame, ok := h.ctrl.ReadFrame(testTimeout)
	require.True(t, ok)
	assert.Equal(t, uint16(signalingCID), frame.CID)
	assert.Equal(t, []byte{signalingCommandReject, 0x07, 0x02, 0x00, 0x00, 0x00}, frame.Payload)

	// an unsolicited connection parameter update response
	h.ctrl.SendL2CAP(0x40, signalingCID, []byte{0x13, 0x08, 0x02, 0x00, 0x00, 0x00}, 0)

	frame, ok = h.ctrl.ReadFrame(testTimeout)
	require.True(t, ok)
	assert.Equal(t, []byte{signalingCommandReject, 0x08, 0x02, 0x00, 0x00, 0x00}, frame.Payload)

	// a reject from the peer is never answered
	h.ctrl.SendL2CAP(0x40, signalingCID, []byte{signalingCommandReject, 0x09, 0x02, 0x00, 0x00, 0x00}, 0)
	_, ok = h.ctrl.ReadFrame(100 * time.Millisecond)
	assert.False(t, ok)
}

func TestMalformedL2CAPDropped(t *testing.T) {
	h := newTestHost(t, nil)
	g := h.connect(t, 0x40, newTestServer(t))

	h.ctrl.SendACL(0x40, hciACLPacketBoundaryContinue, []byte{0x01, 0x02})
	h.assertLogged(t, logrus.WarnLevel, "dropping l2cap continuation without start")

	h.ctrl.SendACL(0x40, hciACLPacketBoundaryFlushed, []byte{0xff, 0x01, 0x04, 0x00})
	h.assertLogged(t, logrus.WarnLevel, "dropping l2cap frame larger than MTU")

	h.ctrl.SendACL(0x40, hciACLPacketBoundaryFlushed, []byte{0x01})
	h.assertLogged(t, logrus.WarnLevel, "dropping l2cap frame with short header")

	h.ctrl.SendACL(0x40, hciACLPacketBoundaryFlushed, []byte{0x01, 0x00, 0x04, 0x00, attOpReadReq, 0x0b, 0x00})
	h.assertLogged(t, logrus.WarnLevel, "dropping l2cap frame longer than its header")

	frame := h.roundTrip(t, g, []byte{attOpReadReq, 0x0b, 0x00})
	assert.Equal(t, append([]byte{attOpReadResponse}, "AG-1"...), frame.Payload)

	select {
	case err := <-h.runErr:
		t.Fatalf("runner stopped: %v", err)
	default:
	}
}

func TestHardwareErrorIsFatal(t *testing.T) {
	h := newTestHost(t, nil)

	h.ctrl.HardwareError(0x03)

	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, ErrHCIHardware)
		assert.Equal(t, OriginController, OriginOf(err))
	case <-time.After(testTimeout):
		t.Fatal("runner did not stop")
	}
}

func TestTransportClosedIsFatal(t *testing.T) {
	h := newTestHost(t, nil)

	h.ctrl.Close()

	select {
	case err := <-h.runErr:
		assert.Error(t, err)
		assert.Equal(t, OriginController, OriginOf(err))
	case <-time.After(testTimeout):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctrl := hcitest.New()
	defer ctrl.Close()

	host, err := newHost(new(resourceCell).claim(), MAC{}, ctrl, bytes.NewReader(make([]byte, 32)))
	require.NoError(t, err)
	_, runner := host.Run()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, runner.Run(ctx), context.Canceled)
}
