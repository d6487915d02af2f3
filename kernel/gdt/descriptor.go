package gdt

// Descriptor is a single 8-byte entry of the global descriptor table. System
// descriptors such as the 64-bit TSS descriptor occupy two consecutive
// entries.
type Descriptor uint64

const (
	flagAccessed    Descriptor = 1 << 40
	flagWritable    Descriptor = 1 << 41
	flagExecutable  Descriptor = 1 << 43
	flagUserSegment Descriptor = 1 << 44
	flagPresent     Descriptor = 1 << 47
	flagLongMode    Descriptor = 1 << 53
	flagDefaultSize Descriptor = 1 << 54
	flagGranularity Descriptor = 1 << 55

	flagLimit0to15  Descriptor = 0xffff
	flagLimit16to19 Descriptor = 0xf << 48

	dplShift = 45

	// typeAvailableTSS is the system descriptor type of an available
	// 64-bit TSS.
	typeAvailableTSS Descriptor = 0x9 << 40

	// Segment limits are ignored in long mode but a flat 4G limit keeps
	// the descriptors valid for tools that inspect them.
	commonFlags = flagUserSegment | flagPresent | flagWritable | flagAccessed |
		flagLimit0to15 | flagLimit16to19 | flagGranularity
)

const (
	// KernelCodeSegment is a present, ring 0, 64-bit code segment.
	KernelCodeSegment = commonFlags | flagExecutable | flagLongMode

	// KernelDataSegment is a present, ring 0, writable data segment.
	KernelDataSegment = commonFlags | flagDefaultSize

	// UserCodeSegment is a present, ring 3, 64-bit code segment.
	UserCodeSegment = KernelCodeSegment | PrivilegeUser<<dplShift

	// UserDataSegment is a present, ring 3, writable data segment.
	UserDataSegment = KernelDataSegment | PrivilegeUser<<dplShift
)

// Present returns true if the descriptor is marked as present.
func (d Descriptor) Present() bool {
	return d&flagPresent != 0
}

// PrivilegeLevel returns the descriptor privilege level (DPL).
func (d Descriptor) PrivilegeLevel() uint16 {
	return uint16(d>>dplShift) & 3
}

// tssDescriptor returns the two GDT entries describing a 64-bit TSS located
// at base with the supplied limit.
func tssDescriptor(base uintptr, limit uint32) (low, high Descriptor) {
	low = flagPresent | typeAvailableTSS |
		Descriptor(limit&0xffff) | Descriptor(limit&0xf0000)<<32 |
		Descriptor(base&0xffffff)<<16 | Descriptor((base>>24)&0xff)<<56
	high = Descriptor(base >> 32)
	return low, high
}

// Selector is a segment selector: the descriptor index shifted left by 3
// combined with the requested privilege level in the two lowest bits.
type Selector uint16

const (
	// PrivilegeKernel is the ring 0 privilege level.
	PrivilegeKernel = 0

	// PrivilegeUser is the ring 3 privilege level.
	PrivilegeUser = 3
)

// NewSelector returns the selector for the descriptor at index with the
// supplied requested privilege level.
func NewSelector(index, rpl uint16) Selector {
	return Selector(index<<3 | rpl&3)
}

// Index returns the index of the referenced descriptor.
func (s Selector) Index() uint16 {
	return uint16(s) >> 3
}

// RPL returns the requested privilege level.
func (s Selector) RPL() uint16 {
	return uint16(s) & 3
}

// Selectors lists the selectors of the segments installed by Init.
type Selectors struct {
	KernelCode Selector
	TSS        Selector
	UserCode   Selector
	UserData   Selector
}
