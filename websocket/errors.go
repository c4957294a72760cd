package websocket

import "errors"

// ErrInvalidOpcode indicates an unknown or reserved opcode.
// RFC 6455 Section 5.2: opcodes 0x3-0x7 and 0xB-0xF are reserved.
// Frames carrying one cannot be encoded, and receiving one closes the
// connection.
var ErrInvalidOpcode = errors.New("websocket: invalid opcode")
