package protocol

import "encoding/binary"

// Checksum computes the frame checksum over an 8-byte header and its
// payload.
//
// It is the RFC 1071 internet checksum: the header is summed as 16-bit
// big-endian words with the checksum and padding fields taken as zero, the
// payload words follow (an odd trailing byte is padded with a zero byte),
// carries are folded back until none remain, and the result is the one's
// complement of the folded sum.
func Checksum(header, payload []byte) uint16 {
	var sum uint32
	if len(header) >= 4 {
		sum += uint32(binary.BigEndian.Uint16(header[0:2]))
		sum += uint32(binary.BigEndian.Uint16(header[2:4]))
	}
	sum += sumWords(payload)
	return ^fold(sum)
}

// sumWords adds b as big-endian 16-bit words. The accumulator is folded
// on the way so arbitrarily long inputs cannot overflow it.
func sumWords(b []byte) uint32 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		if sum > 0xFFFF0000 {
			sum = uint32(fold(sum))
		}
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return uint16(sum)
}
