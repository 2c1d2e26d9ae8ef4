package register

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSize is the size of an encoded frame on the wire.
const FrameSize = 8

// BlockSize is the size of one block payload exchanged with the controller.
const BlockSize = 256

var ErrProtocol = errors.New("unexpected response frame")

type Opcode uint8

// Controller opcodes.
const (
	OpPowerOn   Opcode = 0
	OpPowerOff  Opcode = 1
	OpDevProbe  Opcode = 2
	OpDevInit   Opcode = 3
	OpBlockXfer Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpPowerOn:
		return "power-on"
	case OpPowerOff:
		return "power-off"
	case OpDevProbe:
		return "device-probe"
	case OpDevInit:
		return "device-init"
	case OpBlockXfer:
		return "block-transfer"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Transfer directions, carried in the transfer field of block-transfer frames.
const (
	XferRead  uint8 = 0
	XferWrite uint8 = 1
)

// Direction values.
const (
	Request  uint8 = 0
	Response uint8 = 1
)

// Status values.
const (
	StatusPending uint8 = 0
	StatusSuccess uint8 = 1
)

const nibbleMask = 0x0f

// Frame is the decoded form of the 64-bit control word.
//
// Wire layout, most significant bit first, encoded big-endian:
//
//	byte 0      bits 63..60  Direction  (4 bits)
//	            bits 59..56  Status     (4 bits)
//	byte 1      bits 55..48  Opcode     (8 bits)
//	byte 2      bits 47..40  DeviceID   (8 bits)
//	byte 3      bits 39..32  Transfer   (8 bits)
//	bytes 4..5  bits 31..16  Sector     (16 bits)
//	bytes 6..7  bits 15..0   Block      (16 bits)
type Frame struct {
	Direction uint8
	Status    uint8
	Opcode    Opcode
	DeviceID  uint8
	Transfer  uint8
	Sector    uint16
	Block     uint16
}

// NewRequest builds an outgoing request frame.
func NewRequest(op Opcode, deviceID, transfer uint8, sector, block uint16) Frame {
	return Frame{
		Direction: Request,
		Status:    StatusPending,
		Opcode:    op,
		DeviceID:  deviceID,
		Transfer:  transfer,
		Sector:    sector,
		Block:     block,
	}
}

func (f Frame) validate() error {
	if f.Direction > nibbleMask {
		return fmt.Errorf("direction %d does not fit in 4 bits", f.Direction)
	}

	if f.Status > nibbleMask {
		return fmt.Errorf("status %d does not fit in 4 bits", f.Status)
	}

	return nil
}

// MarshalBinary encodes the frame into its 8 wire bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, FrameSize)
	if err := f.Put(b); err != nil {
		return nil, err
	}

	return b, nil
}

// Put encodes the frame into b, which must hold at least FrameSize bytes.
func (f Frame) Put(b []byte) error {
	if len(b) < FrameSize {
		return fmt.Errorf("frame buffer too small: %d < %d", len(b), FrameSize)
	}

	if err := f.validate(); err != nil {
		return err
	}

	b[0] = f.Direction<<4 | f.Status
	b[1] = uint8(f.Opcode)
	b[2] = f.DeviceID
	b[3] = f.Transfer
	binary.BigEndian.PutUint16(b[4:6], f.Sector)
	binary.BigEndian.PutUint16(b[6:8], f.Block)

	return nil
}

// UnmarshalBinary decodes 8 wire bytes into the frame.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) != FrameSize {
		return fmt.Errorf("invalid frame length %d", len(b))
	}

	f.Direction = b[0] >> 4
	f.Status = b[0] & nibbleMask
	f.Opcode = Opcode(b[1])
	f.DeviceID = b[2]
	f.Transfer = b[3]
	f.Sector = binary.BigEndian.Uint16(b[4:6])
	f.Block = binary.BigEndian.Uint16(b[6:8])

	return nil
}

// Pack returns the frame as the host-order 64-bit register value.
func (f Frame) Pack() (uint64, error) {
	var b [FrameSize]byte
	if err := f.Put(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

// Unpack decodes a host-order 64-bit register value.
func Unpack(v uint64) Frame {
	var b [FrameSize]byte
	binary.BigEndian.PutUint64(b[:], v)

	var f Frame
	// cannot fail, the length is fixed
	_ = f.UnmarshalBinary(b[:])

	return f
}

// Verify checks that resp is a successful response to req.
func (f Frame) Verify(req Frame) error {
	if f.Direction != Response {
		return fmt.Errorf("%w: direction %d", ErrProtocol, f.Direction)
	}

	if f.Status != StatusSuccess {
		return fmt.Errorf("%w: status %d for %s", ErrProtocol, f.Status, req.Opcode)
	}

	if f.Opcode != req.Opcode {
		return fmt.Errorf("%w: opcode %s, expected %s", ErrProtocol, f.Opcode, req.Opcode)
	}

	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%s dir=%d status=%d did=%d xfer=%d sec=%d blk=%d",
		f.Opcode, f.Direction, f.Status, f.DeviceID, f.Transfer, f.Sector, f.Block)
}
