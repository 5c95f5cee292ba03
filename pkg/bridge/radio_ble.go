package bridge

import (
	"context"
	"fmt"

	"github.com/vudo/enr/internal/logger"
)

// BleInterface is the BLE transport variant named by the bridge's
// three-interface design. None of the examples this module was built
// from carry a BLE/GATT driver dependency, and the standard library has
// no Bluetooth support, so this implementation cannot reach a real
// adapter; it satisfies RadioInterface so callers can wire it in but
// every operation fails until a concrete GATT client is plugged in.
type BleInterface struct {
	*stateMachine
	deviceAddr string
}

// NewBleInterface builds a BLE radio interface targeting deviceAddr.
func NewBleInterface(deviceAddr string, backoff BackoffConfig, log *logger.Logger) *BleInterface {
	return &BleInterface{stateMachine: newStateMachine("ble:"+deviceAddr, backoff, log), deviceAddr: deviceAddr}
}

func (b *BleInterface) Name() string { return b.name }

var errBleUnsupported = fmt.Errorf("bridge: BLE interface has no backing GATT driver in this build")

func (b *BleInterface) Connect(ctx context.Context) error {
	b.transition(Connecting)
	b.transition(Disconnected)
	return errBleUnsupported
}

func (b *BleInterface) Disconnect() error {
	b.transition(Disconnected)
	return nil
}

func (b *BleInterface) State() ConnectionState { return b.get() }

func (b *BleInterface) ReadFrame(ctx context.Context) ([]byte, error) {
	return nil, errBleUnsupported
}

func (b *BleInterface) WriteFrame(ctx context.Context, frame []byte) error {
	return errBleUnsupported
}
