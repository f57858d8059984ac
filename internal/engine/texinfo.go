package engine

import (
	"time"

	json "github.com/goccy/go-json"
)

// TextureInfoKey holds per-job texture metadata.
const TextureInfoKey = "protoScale_texture_info"

// TextureInfo records whether a job's model carries an applied texture.
type TextureInfo struct {
	TextureApplied bool
	PaintApplied   bool
	UpdatedAt      time.Time
}

// TextureInfoUpdate changes the non-nil fields.
type TextureInfoUpdate struct {
	TextureApplied *bool
	PaintApplied   *bool
}

type textureInfoDoc struct {
	TextureApplied bool   `json:"textureApplied"`
	PaintApplied   bool   `json:"paintApplied"`
	UpdatedAt      *int64 `json:"updatedAt"`
}

func (e *Engine) readTextureInfo() map[string]textureInfoDoc {
	out := map[string]textureInfoDoc{}
	raw, ok, err := e.kv.Get(TextureInfoKey)
	if err != nil || !ok {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		e.log.Warn().Err(err).Msg("ignoring corrupt texture info map")
		return map[string]textureInfoDoc{}
	}
	return out
}

// GetJobTextureInfo returns the metadata for id, or the zero value.
func (e *Engine) GetJobTextureInfo(id string) TextureInfo {
	if id == "" {
		return TextureInfo{}
	}
	d, ok := e.readTextureInfo()[id]
	if !ok {
		return TextureInfo{}
	}
	return TextureInfo{TextureApplied: d.TextureApplied, PaintApplied: d.PaintApplied, UpdatedAt: fromMillis(d.UpdatedAt)}
}

// SetJobTextureInfo merges u into the entry for id and stamps it.
func (e *Engine) SetJobTextureInfo(id string, u TextureInfoUpdate) TextureInfo {
	if id == "" {
		return TextureInfo{}
	}
	m := e.readTextureInfo()
	d := m[id]
	if u.TextureApplied != nil {
		d.TextureApplied = *u.TextureApplied
	}
	if u.PaintApplied != nil {
		d.PaintApplied = *u.PaintApplied
	}
	now := e.now()
	d.UpdatedAt = millis(now)
	m[id] = d
	if b, err := json.Marshal(m); err == nil {
		if err := e.kv.Set(TextureInfoKey, string(b)); err != nil {
			e.log.Warn().Err(err).Msg("failed to write texture info map")
		}
	}
	return TextureInfo{TextureApplied: d.TextureApplied, PaintApplied: d.PaintApplied, UpdatedAt: now}
}

func boolPtr(b bool) *bool { return &b }
