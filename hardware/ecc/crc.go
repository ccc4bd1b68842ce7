package ecc

// CRC-16 as used by ATECC command and response packets:
// polynomial 0x8005, data bits fed LSB first, no reflection of result.
// Result goes on the wire little endian.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		for shift := uint8(0x01); shift > 0; shift <<= 1 {
			dataBit := b&shift != 0
			crcBit := crc>>15 != 0
			crc <<= 1
			if dataBit != crcBit {
				crc ^= 0x8005
			}
		}
	}
	return crc
}

func appendCRC(b []byte) []byte {
	crc := CRC16(b)
	return append(b, byte(crc), byte(crc>>8))
}

func checkCRC(b []byte) bool {
	if len(b) < 3 {
		return false
	}
	n := len(b) - 2
	crc := CRC16(b[:n])
	return b[n] == byte(crc) && b[n+1] == byte(crc>>8)
}
