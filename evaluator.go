package chunkrt

import (
	"encoding/json"
	"fmt"
)

// chunkEnvelope is the wire shape of a fetched chunk payload: the
// chunk's descriptor plus the sources of the modules it carries. A
// payload with no module sources is a pure manifest for factories
// registered in-process.
type chunkEnvelope struct {
	Path         ChunkPath           `json:"path"`
	Included     []ModuleID          `json:"included,omitempty"`
	Excluded     []ModuleID          `json:"excluded,omitempty"`
	ModuleChunks []ChunkPath         `json:"moduleChunks,omitempty"`
	Modules      map[ModuleID]string `json:"modules,omitempty"`
}

// decodeEnvelope parses and validates a chunk payload. path is the
// requested chunk path, used when the payload does not name itself.
func decodeEnvelope(path ChunkPath, data []byte) (chunkEnvelope, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding chunk payload: %w", err)
	}
	if env.Path == "" {
		env.Path = path
	}
	if len(env.Included) == 0 && len(env.Modules) > 0 {
		for id := range env.Modules {
			env.Included = append(env.Included, id)
		}
	}
	excluded := make(map[ModuleID]bool, len(env.Excluded))
	for _, id := range env.Excluded {
		excluded[id] = true
	}
	for _, id := range env.Included {
		if excluded[id] {
			return env, fmt.Errorf("chunk %s: module %s is both included and excluded", env.Path, id)
		}
	}
	return env, nil
}

// descriptor returns the envelope's descriptor part.
func (env chunkEnvelope) descriptor() ChunkDescriptor {
	return ChunkDescriptor{
		Path:         env.Path,
		Included:     env.Included,
		Excluded:     env.Excluded,
		ModuleChunks: env.ModuleChunks,
	}
}
