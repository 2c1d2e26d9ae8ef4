package logger

import (
	"fmt"

	"go.uber.org/zap"
)

func WithSessionID(sessionID string) zap.Field {
	return zap.String("session.id", sessionID)
}

func WithDeviceID(deviceID uint8) zap.Field {
	return zap.Uint8("device.id", deviceID)
}

func WithHandle(handle int) zap.Field {
	return zap.Int("file.handle", handle)
}

func WithPath(path string) zap.Field {
	return zap.String("file.path", path)
}

// WithLocation renders a block address as did/sec/blk.
func WithLocation(deviceID uint8, sector, block uint16) zap.Field {
	return zap.String("block.location", fmt.Sprintf("%d/%d/%d", deviceID, sector, block))
}

func WithOpcode(opcode fmt.Stringer) zap.Field {
	return zap.Stringer("frame.opcode", opcode)
}
