// Package event defines the Event record and the fixed-size pending-event
// queues the query decoder uses to hold skeleton events until their
// binding packet arrives.
package event

import "fmt"

// Kind identifies which of the fixed event payloads an Event carries.
type Kind int

const (
	KindEnabled Kind = iota
	KindDisabled
	KindAsyncDisabled
	KindAsyncBranch
	KindPaging
	KindAsyncPaging
	KindOverflow
	KindExecMode
	KindTSX
)

func (k Kind) String() string {
	switch k {
	case KindEnabled:
		return "enabled"
	case KindDisabled:
		return "disabled"
	case KindAsyncDisabled:
		return "async_disabled"
	case KindAsyncBranch:
		return "async_branch"
	case KindPaging:
		return "paging"
	case KindAsyncPaging:
		return "async_paging"
	case KindOverflow:
		return "overflow"
	case KindExecMode:
		return "exec_mode"
	case KindTSX:
		return "tsx"
	default:
		return "invalid"
	}
}

// Binding names the packet kind whose arrival completes and releases a
// skeleton event.
type Binding int

const (
	BindingPSBEnd Binding = iota
	BindingTIP
	BindingFUP
)

func (b Binding) String() string {
	switch b {
	case BindingPSBEnd:
		return "psbend"
	case BindingTIP:
		return "tip"
	case BindingFUP:
		return "fup"
	default:
		return "invalid"
	}
}

// ExecMode mirrors pkt.ExecMode without importing the codec package, so
// that event stays usable independently of the wire format.
type ExecMode uint8

const (
	ExecModeUnknown ExecMode = iota
	ExecMode16
	ExecMode32
	ExecMode64
)

// Event is the fixed record released to a query-decoder caller once its
// skeleton is completed by its binding packet.
type Event struct {
	Kind Kind

	IPSuppressed bool
	StatusUpdate bool
	HasTSC       bool
	TSC          uint64

	IP   uint64 // enabled, disabled, paging (n/a), overflow, exec_mode, tsx
	At   uint64 // async_disabled
	From uint64 // async_branch
	To   uint64 // async_branch

	CR3 uint64 // paging, async_paging

	Mode ExecMode // exec_mode

	Speculative bool // tsx
	Aborted     bool // tsx
}

func (e Event) String() string {
	switch e.Kind {
	case KindEnabled, KindDisabled, KindOverflow:
		return fmt.Sprintf("%s(ip=0x%x)", e.Kind, e.IP)
	case KindAsyncDisabled:
		return fmt.Sprintf("async_disabled(at=0x%x, ip=0x%x)", e.At, e.IP)
	case KindAsyncBranch:
		return fmt.Sprintf("async_branch(from=0x%x, to=0x%x)", e.From, e.To)
	case KindPaging:
		return fmt.Sprintf("paging(cr3=0x%x)", e.CR3)
	case KindAsyncPaging:
		return fmt.Sprintf("async_paging(cr3=0x%x, ip=0x%x)", e.CR3, e.IP)
	case KindExecMode:
		return fmt.Sprintf("exec_mode(mode=%d, ip=0x%x)", e.Mode, e.IP)
	case KindTSX:
		return fmt.Sprintf("tsx(ip=0x%x, spec=%v, aborted=%v)", e.IP, e.Speculative, e.Aborted)
	default:
		return e.Kind.String()
	}
}
