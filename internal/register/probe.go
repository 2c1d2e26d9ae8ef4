package register

import "math/bits"

// DeviceIDs expands the device bitmask carried in a probe response's sector
// field into device ids, lowest first.
func DeviceIDs(mask uint16) []uint8 {
	ids := make([]uint8, 0, bits.OnesCount16(mask))
	for mask != 0 {
		id := bits.TrailingZeros16(mask)
		ids = append(ids, uint8(id))
		mask &= mask - 1
	}

	return ids
}

// DeviceMask is the inverse of DeviceIDs. Ids above 15 are ignored.
func DeviceMask(ids []uint8) uint16 {
	var mask uint16
	for _, id := range ids {
		if id < 16 {
			mask |= 1 << id
		}
	}

	return mask
}
