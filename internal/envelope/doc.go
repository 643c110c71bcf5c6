// Package envelope defines the unit of work carried through the pipeline and
// its versioned binary codec.
//
// Frame layout (big-endian):
//
//	magic "FQ" | version u8 | flags u8 | bodyLen u32 | body | crc32c(body) u32
//
// The body carries the id, attempt count, enqueue/availability timestamps,
// attributes and payload. Decode rejects frames whose lengths, magic or
// checksum disagree with their contents.
package envelope
