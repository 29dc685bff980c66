package vbucket

// Opcode identifies a binary-protocol command.
type Opcode uint8

// Opcodes used by the core. Values come from the published binary
// protocol plus the vbucket-aware extensions (SelectBucket,
// GetClusterConfig, GetReplica).
const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpQuit      Opcode = 0x07
	OpFlush     Opcode = 0x08
	OpGetQ      Opcode = 0x09
	OpNoop      Opcode = 0x0A
	OpGetK      Opcode = 0x0C

	OpSetQ        Opcode = 0x11
	OpAddQ        Opcode = 0x12
	OpReplaceQ    Opcode = 0x13
	OpDeleteQ     Opcode = 0x14
	OpIncrementQ  Opcode = 0x15
	OpDecrementQ  Opcode = 0x16
	OpQuitQ       Opcode = 0x17
	OpFlushQ      Opcode = 0x18
	OpGetKQ       Opcode = 0x0D

	OpHello Opcode = 0x1F

	OpSASLList Opcode = 0x20
	OpSASLAuth Opcode = 0x21
	OpSASLStep Opcode = 0x22

	// OpGetReplica is the published GetReplica opcode; replica reads
	// route through the vbucket pair's replica index instead of its
	// primary.
	OpGetReplica Opcode = 0x83

	OpSelectBucket     Opcode = 0x89
	OpGetClusterConfig Opcode = 0xB5
)

// quietOpcode maps an opcode to its quiet counterpart, used by the
// dispatcher to rewrite every packet but the last in a pipelined group
// of more than one.
var quietOpcode = map[Opcode]Opcode{
	OpGet:       OpGetQ,
	OpSet:       OpSetQ,
	OpAdd:       OpAddQ,
	OpReplace:   OpReplaceQ,
	OpDelete:    OpDeleteQ,
	OpIncrement: OpIncrementQ,
	OpDecrement: OpDecrementQ,
	OpQuit:      OpQuitQ,
	OpFlush:     OpFlushQ,
	OpGetK:      OpGetKQ,
}

// isQuietRetrieval reports whether op is a quiet Get-family opcode.
// A server suppresses the miss for these, not the hit, so a missing
// reply never counts as a successful response.
func isQuietRetrieval(op Opcode) bool {
	return op == OpGetQ || op == OpGetKQ
}

// Status is a response status code.
type Status uint16

const (
	StatusOK            Status = 0x0000
	StatusKeyNotFound   Status = 0x0001
	StatusKeyExists     Status = 0x0002
	StatusValueTooLarge Status = 0x0003
	StatusInvalidArgs   Status = 0x0004
	StatusItemNotStored Status = 0x0005
	StatusNonNumeric    Status = 0x0006
	StatusNotMyVBucket  Status = 0x0007
	StatusAuthContinue  Status = 0x0020
	StatusAuthError     Status = 0x0021
)
