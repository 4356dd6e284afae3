package badger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/poiesic/casevault/core"
)

// Key prefixes for different data types
const (
	opinionPrefix     = "opirec"
	opinionExtPrefix  = "opiext"
	opinionDatePrefix = "opidate"
	opinionIDSeq      = "opirecseq"
	postingPrefix     = "lexpst"
	chunkPrefix       = "chkrec"
	statusPrefix      = "embst"
)

// makeOpinionKey generates a key for an opinion by ID.
func makeOpinionKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", opinionPrefix, id))
}

// makeOpinionExtKey generates the dedup index key for an external identity.
// Format: prefix:source\x00sourceID
func makeOpinionExtKey(source, sourceID string) []byte {
	prefix := opinionExtPrefix + ":"
	buf := make([]byte, 0, len(prefix)+len(source)+1+len(sourceID))
	buf = append(buf, prefix...)
	buf = append(buf, source...)
	buf = append(buf, 0)
	return append(buf, sourceID...)
}

// sortableMicros maps a timestamp onto an unsigned value whose big-endian
// bytes sort in time order, including dates before 1970.
func sortableMicros(t time.Time) uint64 {
	return uint64(t.UnixMicro()) ^ (1 << 63)
}

func timeFromSortable(v uint64) time.Time {
	return time.UnixMicro(int64(v ^ (1 << 63))).UTC()
}

// makeOpinionDateKey generates a composite key for the filing date index.
// Format: prefix:timestamp:id
func makeOpinionDateKey(dateFiled time.Time, id core.ID) []byte {
	prefix := opinionDatePrefix + ":"
	buf := make([]byte, len(prefix)+16) // 8 bytes for timestamp + 8 bytes for ID
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], sortableMicros(dateFiled))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// parseOpinionDateKey extracts the filing date and id from a date index key.
func parseOpinionDateKey(key []byte) (time.Time, core.ID, bool) {
	offset := len(opinionDatePrefix) + 1
	if len(key) != offset+16 {
		return time.Time{}, 0, false
	}
	date := timeFromSortable(binary.BigEndian.Uint64(key[offset:]))
	id := core.ID(binary.BigEndian.Uint64(key[offset+8:]))
	return date, id, true
}

// makePostingKey generates a key for one term's posting on one opinion.
// Format: prefix:term\x00id
func makePostingKey(term string, id core.ID) []byte {
	buf := makePostingPrefix(term)
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// makePostingPrefix generates the key prefix shared by all postings of a term.
func makePostingPrefix(term string) []byte {
	prefix := postingPrefix + ":"
	buf := make([]byte, 0, len(prefix)+len(term)+1+8)
	buf = append(buf, prefix...)
	buf = append(buf, term...)
	return append(buf, 0)
}

// idFromPostingKey extracts the opinion id from the tail of a posting key.
func idFromPostingKey(key []byte) core.ID {
	return core.ID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// makeChunkOpinionPrefix generates the prefix shared by all chunks of an opinion.
// Format: prefix:id
func makeChunkOpinionPrefix(id core.ID) []byte {
	prefix := chunkPrefix + ":"
	buf := make([]byte, 0, len(prefix)+8)
	buf = append(buf, prefix...)
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// makeChunkModelPrefix generates the prefix shared by an opinion's chunks for one model.
// Format: prefix:id model\x00
func makeChunkModelPrefix(id core.ID, model string) []byte {
	buf := makeChunkOpinionPrefix(id)
	buf = append(buf, model...)
	return append(buf, 0)
}

// makeChunkKey generates the key for one chunk.
// Format: prefix:id model\x00index
func makeChunkKey(key core.ChunkKey) []byte {
	buf := makeChunkModelPrefix(key.OpinionID, key.Model)
	return binary.BigEndian.AppendUint32(buf, uint32(key.Index))
}

// parseChunkKey splits a chunk key back into its parts.
func parseChunkKey(key []byte) (core.ChunkKey, bool) {
	offset := len(chunkPrefix) + 1
	if len(key) < offset+8+1+4 || key[len(key)-5] != 0 {
		return core.ChunkKey{}, false
	}
	return core.ChunkKey{
		OpinionID: core.ID(binary.BigEndian.Uint64(key[offset:])),
		Model:     string(key[offset+8 : len(key)-5]),
		Index:     int(binary.BigEndian.Uint32(key[len(key)-4:])),
	}, true
}

// makeStatusOpinionPrefix generates the prefix shared by an opinion's statuses.
// Format: prefix:id
func makeStatusOpinionPrefix(id core.ID) []byte {
	prefix := statusPrefix + ":"
	buf := make([]byte, 0, len(prefix)+8)
	buf = append(buf, prefix...)
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// makeStatusKey generates the key for an (opinion, model) embedding status.
// Format: prefix:id model
func makeStatusKey(id core.ID, model string) []byte {
	return append(makeStatusOpinionPrefix(id), model...)
}
