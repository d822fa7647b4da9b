// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 	= 0x02
const LEN_U32 	= 0x04
const LEN_U64 	= 0x08

const SECTOR_SIZE 	= 0x200
const PAGE_SIZE 	= 0x1000

// This is an alias for endianness effectively, so we only define endianness in one place (here).
// The scatter-gather map is a binary contract with the block client, it is LittleEndian
// always - dont flip this one for debugging
var Bin = binary.LittleEndian
