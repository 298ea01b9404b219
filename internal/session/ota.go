package session

import (
	"encoding/binary"

	"github.com/elementbus/mendeleev-master/internal/protocol"
)

// fragmentOTA splits image into OTA fragment payloads: the first fragment
// is index 0x00 followed by the big-endian u32 total length; subsequent
// fragments carry a monotonically increasing (mod 256) index byte followed
// by up to MaxPayload-1 bytes of image data.
func fragmentOTA(image []byte) [][]byte {
	const dataChunk = protocol.MaxPayload - 1

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[1:], uint32(len(image)))
	fragments := [][]byte{header}

	idx := byte(1)
	for i := 0; i < len(image); i += dataChunk {
		end := i + dataChunk
		if end > len(image) {
			end = len(image)
		}
		frag := make([]byte, 0, 1+end-i)
		frag = append(frag, idx)
		frag = append(frag, image[i:end]...)
		fragments = append(fragments, frag)
		idx++
	}
	return fragments
}
