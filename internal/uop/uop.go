// Package uop defines the micro-op representation shared by every pipeline
// stage: the decoded fields produced by translation, the SOM/EOM macro-op
// markers, and the opcode-class tables that replace the original simulator's
// deep inheritance hierarchy with a table of closures keyed by opcode class.
package uop

import "fmt"

// Class identifies which physical register file(s) and functional units a
// uop may use. Clusters and PRFs are configured against this, not subtyped.
type Class uint8

const (
	ClassInt Class = iota
	ClassFP
	ClassBranch
	ClassLoad
	ClassStore
	ClassFence
	ClassAssist
)

func (c Class) String() string {
	switch c {
	case ClassInt:
		return "int"
	case ClassFP:
		return "fp"
	case ClassBranch:
		return "branch"
	case ClassLoad:
		return "load"
	case ClassStore:
		return "store"
	case ClassFence:
		return "fence"
	case ClassAssist:
		return "assist"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// FlagGroup names one of the three independently renamed flag groups (§3
// RRT: "Flags are renamed as three additional pseudo-architectural slots").
type FlagGroup uint8

const (
	FlagGroupZSP FlagGroup = iota // zero/sign/parity
	FlagGroupCF                   // carry
	FlagGroupOF                   // overflow
	NumFlagGroups
)

// MaxOperands bounds the operand array per ROB entry (§3 ROB entry: operands[4]).
const MaxOperands = 4

// Opcode is an opaque, pre-translated micro-op opcode. The BB cache / uop
// synthesizer (external, §1) is responsible for assigning these; the core
// never interprets the numeric value beyond table lookups below.
type Opcode uint16

// ExecFunc is the synthesized execution function for one uop: given up to
// MaxOperands 64-bit operand values, it produces a result and an exception
// indicator. This is the opaque "uop synthesis" callback of §1 — the core
// never open-codes instruction semantics.
type ExecFunc func(operands [MaxOperands]uint64) (result uint64, exception Exception)

// Exception is the invalid-flag-bit companion value a synthesized uop may
// raise (§7 "architectural exceptions").
type Exception uint8

const (
	ExceptionNone Exception = iota
	ExceptionPageFaultRead
	ExceptionPageFaultWrite
	ExceptionPageFaultExec
	ExceptionFPNotAvailable
	ExceptionFP
	ExceptionDivideOverflow
	ExceptionAlignment
	ExceptionGeneralProtection
)

func (e Exception) String() string {
	switch e {
	case ExceptionNone:
		return "none"
	case ExceptionPageFaultRead:
		return "page-fault-read"
	case ExceptionPageFaultWrite:
		return "page-fault-write"
	case ExceptionPageFaultExec:
		return "page-fault-exec"
	case ExceptionFPNotAvailable:
		return "fp-not-available"
	case ExceptionFP:
		return "fp-exception"
	case ExceptionDivideOverflow:
		return "divide-overflow"
	case ExceptionAlignment:
		return "alignment"
	case ExceptionGeneralProtection:
		return "general-protection"
	default:
		return "unknown-exception"
	}
}

// OperandKind distinguishes architectural-register operands from immediates;
// only register operands are renamed.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
)

// Operand is one source operand slot of a decoded uop, before renaming.
type Operand struct {
	Kind OperandKind
	Reg  ArchReg // valid when Kind == OperandReg
	Imm  uint64  // valid when Kind == OperandImm
}

// ArchReg names one architectural register slot, visible or hidden (§3).
type ArchReg uint8

const (
	RegNone ArchReg = iota
	// Visible (user ISA) integer registers.
	RegRAX
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	// Hidden translation / microcode temporaries.
	RegTemp0
	RegTemp1
	RegTemp2
	RegTemp3
	NumArchRegs
)

// IsCommitable reports whether a write to this slot is permitted to update
// committed architectural state (§3: "Only a subset are allowed to update
// committed architectural state; the rest are scratch").
func (r ArchReg) IsCommitable() bool {
	return r >= RegRAX && r <= RegRIP
}

// Uop is the decoded, pre-renamed form of one micro-op as it leaves the
// fetch buffer (§3 "Fetch buffer entry").
type Uop struct {
	Opcode Opcode
	Class  Class
	Exec   ExecFunc

	RIP       uint64 // carrying rip
	Bytes     uint8  // macro-op instruction length in bytes, valid at EOM
	FetchUUID uint64 // monotonically increasing, per thread

	Dest      ArchReg
	Src       [MaxOperands]Operand
	SetFlags  [NumFlagGroups]bool // which flag groups this uop modifies
	Predicate bool                // conditional execution predicate, if any

	SOM bool // start-of-macro-op
	EOM bool // end-of-macro-op

	IsBranch   bool
	IsCall     bool // call-type branch: pushes the return-address stack
	IsReturn   bool // return-type branch: pops the return-address stack
	IsAssist   bool // microcode assist / trap uop (§4.6 BARRIER result)
	IsFence    bool
	IsLFence   bool
	IsSFence   bool
	IsLocked   bool // locked read-modify-write (ld.acq semantics, §3)
	IsMemUop   bool
	// PredTaken/PredTarget are decode/fetch handoff fields: translation seeds
	// PredTarget with the natural taken target; fetch overwrites both with the
	// predictor's verdict (PredTarget becomes the predicted next rip, taken or
	// sequential) before the uop enters the pipeline.
	PredTaken  bool
	PredTarget uint64

	// IsIndirect marks a computed-target branch (call/jmp through a
	// register or memory operand). Its direction is architecturally always
	// taken; only the resolved target is data-dependent, so a target miss
	// here is the "mispredicted-but-committed-path branch" of §4.5 rather
	// than a direction misprediction: the fetched path already committed to
	// continuing past the branch, so only the dependent cone reading the
	// corrected target needs redispatch, not a full refetch.
	IsIndirect bool
}

// AcceptableFiles reports which PRF classes may host this uop's destination,
// derived purely from opcode class (§3: "A uop's acceptable files are
// derived from its opcode class").
func (u *Uop) AcceptableFiles() []Class {
	switch u.Class {
	case ClassFP:
		return []Class{ClassFP}
	case ClassBranch:
		return []Class{ClassBranch}
	case ClassStore:
		return []Class{ClassStore}
	default:
		return []Class{ClassInt}
	}
}
