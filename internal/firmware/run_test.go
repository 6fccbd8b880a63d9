package firmware

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterglow-leds/bluetooth"
	"github.com/afterglow-leds/bluetooth/internal/hcitest"
)

const timeout = 2 * time.Second

// NewHost claims the process wide resource pool, so the whole lifecycle is
// covered by a single host.
func TestRunLifecycle(t *testing.T) {
	ctrl := hcitest.New()
	defer ctrl.Close()

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	host, err := bluetooth.NewHost(bluetooth.MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, ctrl,
		bytes.NewReader(make([]byte, 32)), bluetooth.WithLogger(log))
	require.NoError(t, err)

	server, err := NewGattServer(ModelNumber, bluetooth.AppearanceLightController, testIdentity(), WithLogger(log))
	require.NoError(t, err)
	table := server.AttributeServer().Attributes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, host, server, "Afterglow-01")
	}()

	modelHandle := byte(server.DeviceInformation.ModelNumber.ValueHandle)
	readModel := []byte{0x0a, modelHandle, 0x00}

	t.Run("advertises identity", func(t *testing.T) {
		cmd, ok := ctrl.WaitCommand(hcitest.OpLESetAdvertisingData, timeout)
		require.True(t, ok)

		payload, err := AdvertisingPayload("Afterglow-01")
		require.NoError(t, err)
		require.Equal(t, byte(len(payload)), cmd.Params[0])
		assert.Equal(t, payload, cmd.Params[1:1+len(payload)])
	})

	for cycle := 0; cycle < 3; cycle++ {
		handle := uint16(0x40 + cycle)

		require.True(t, ctrl.WaitAdvertising(timeout), "cycle %d: not advertising", cycle)
		ctrl.Connect(handle, [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, byte(cycle)})

		ctrl.SendATT(handle, readModel)
		frame, ok := ctrl.ReadFrame(timeout)
		require.True(t, ok, "cycle %d: no response", cycle)
		assert.Equal(t, append([]byte{0x0b}, "Afterglow-01"...), frame.Payload)
		assert.Equal(t, handle, frame.Handle)

		if cycle == 1 {
			t.Run("malformed request", func(t *testing.T) {
				ctrl.SendATT(handle, []byte{0x0a, 0x01})
				frame, ok := ctrl.ReadFrame(timeout)
				require.True(t, ok)
				assert.Equal(t, []byte{0x01, 0x0a, 0x00, 0x00, 0x04}, frame.Payload)

				assert.Eventually(t, func() bool {
					for _, e := range hook.AllEntries() {
						if e.Level == logrus.WarnLevel && e.Message == "[gatt] error processing a request" {
							return true
						}
					}
					return false
				}, timeout, 10*time.Millisecond)
			})

			t.Run("second central refused", func(t *testing.T) {
				ctrl.Connect(0x50, [6]byte{0x01})
				cmd, ok := ctrl.WaitCommand(hcitest.OpDisconnect, timeout)
				require.True(t, ok)
				assert.Equal(t, []byte{0x50, 0x00, 0x0d}, cmd.Params)

				ctrl.SendATT(handle, readModel)
				frame, ok := ctrl.ReadFrame(timeout)
				require.True(t, ok)
				assert.Equal(t, append([]byte{0x0b}, "Afterglow-01"...), frame.Payload)
			})
		}

		ctrl.Disconnect(handle, hcitest.ReasonRemoteUserTerminated)
	}

	require.True(t, ctrl.WaitAdvertising(timeout), "not advertising after last cycle")
	assert.Equal(t, table, server.AttributeServer().Attributes(), "table unchanged across connections")
	assert.Zero(t, server.AttributeServer().Sessions())

	t.Run("controller failure is fatal", func(t *testing.T) {
		ctrl.HardwareError(0x01)

		select {
		case err := <-runErr:
			var fatal *FatalError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, PhaseRunner, fatal.Phase)
			assert.Equal(t, bluetooth.OriginController, fatal.Origin())
			assert.ErrorIs(t, err, bluetooth.ErrHCIHardware)
		case <-time.After(timeout):
			t.Fatal("Run did not return")
		}
	})
}
