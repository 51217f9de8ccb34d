package iq

// Tag is an IQ producer/consumer tag: thread id in the upper bits, ROB
// index in the lower bits (spec.md §4.1 "Tag encoding"). The width admits
// at least 16 threads x 4096 ROB entries.
type Tag uint32

const (
	robIdxBits = 12
	robIdxMask = 1<<robIdxBits - 1
)

// EncodeTag packs a thread id and ROB index into one Tag.
func EncodeTag(threadID int, robIdx uint32) Tag {
	return Tag(uint32(threadID)<<robIdxBits | (robIdx & robIdxMask))
}

// ThreadID decodes the thread-id bits of a Tag.
func (t Tag) ThreadID() int { return int(uint32(t) >> robIdxBits) }

// ROBIdx decodes the ROB-index bits of a Tag.
func (t Tag) ROBIdx() uint32 { return uint32(t) & robIdxMask }
