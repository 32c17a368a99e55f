package provider

const (
	id3HeaderSize  = 10
	id3FooterFlag  = 0x10
	id3FooterSize  = 10
	syncsafeShift  = 7
	syncsafeMask   = 0x7f
	id3SizeOffset  = 6
	id3FlagsOffset = 5
)

// JoinMP3 concatenates MP3 streams into one. MP3 is a sequence of
// self-contained frames, so only the ID3v2 tags of the later parts need
// dropping for the result to play as a single file.
func JoinMP3(parts [][]byte) []byte {
	if len(parts) == 1 {
		return parts[0]
	}

	total := 0
	for _, part := range parts {
		total += len(part)
	}

	joined := make([]byte, 0, total)

	for i, part := range parts {
		if i > 0 {
			part = stripID3v2(part)
		}

		joined = append(joined, part...)
	}

	return joined
}

func stripID3v2(data []byte) []byte {
	if len(data) < id3HeaderSize || string(data[:3]) != "ID3" {
		return data
	}

	size := 0
	for _, b := range data[id3SizeOffset:id3HeaderSize] {
		size = size<<syncsafeShift | int(b&syncsafeMask)
	}

	tagLen := id3HeaderSize + size
	if data[id3FlagsOffset]&id3FooterFlag != 0 {
		tagLen += id3FooterSize
	}

	if tagLen > len(data) {
		return data
	}

	return data[tagLen:]
}
