package mcpserver

import (
	"strings"

	"github.com/paparats/paparats/internal/query"
	"github.com/paparats/paparats/internal/vectorstore"
)

// groupFromChunkID extracts the group segment from a chunk_id of the
// form group//project//file//start-end//hash (spec §3).
func groupFromChunkID(chunkID string) string {
	parts := strings.SplitN(chunkID, "//", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func toCodeHits(hits []query.Result) []CodeHit {
	out := make([]CodeHit, len(hits))
	for i, h := range hits {
		out[i] = CodeHit{
			ChunkID:   payloadString(h.Payload, "chunk_id"),
			Score:     h.Score,
			File:      payloadString(h.Payload, "file"),
			StartLine: payloadInt(h.Payload, "start_line"),
			EndLine:   payloadInt(h.Payload, "end_line"),
			Symbol:    payloadString(h.Payload, "symbol_name"),
			Language:  payloadString(h.Payload, "language"),
			Content:   payloadString(h.Payload, "content"),
		}
	}
	return out
}

func chunkFromPayload(p map[string]any) GetChunkOutput {
	return GetChunkOutput{
		ChunkID:   payloadString(p, "chunk_id"),
		File:      payloadString(p, "file"),
		Language:  payloadString(p, "language"),
		StartLine: payloadInt(p, "start_line"),
		EndLine:   payloadInt(p, "end_line"),
		Symbol:    payloadString(p, "symbol_name"),
		Kind:      payloadString(p, "kind"),
		Content:   payloadString(p, "content"),
	}
}

// chunkIDFilter builds the exact-match filter get_chunk uses to look
// a single point up by its chunk_id.
func chunkIDFilter(chunkID string) vectorstore.Filter {
	return vectorstore.Filter{Equals: map[string]string{"chunk_id": chunkID}}
}
