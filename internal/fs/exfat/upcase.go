package exfat

// GenerateUpcaseTable builds the uncompressed mandatory up-case table:
// 65536 little-endian UTF-16 units mapping each code point to its upper
// case. The fold matches upcaseUnit, so name hashing and the table agree.
func GenerateUpcaseTable() []byte {
	table := make([]byte, 65536*2)
	for u := 0; u < 65536; u++ {
		up := upcaseUnit(uint16(u))
		table[u*2] = byte(up)
		table[u*2+1] = byte(up >> 8)
	}
	return table
}
