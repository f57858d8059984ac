package engine

import (
	"fmt"

	"protoscale/pkg/types"
)

// PresetID names a quality preset.
type PresetID string

// DefaultPreset is used when nothing else was chosen.
const DefaultPreset PresetID = "v2"

// Preset carries the remote model identifier and cost metadata.
type Preset struct {
	ID              PresetID
	Label           string
	Description     string
	AIModel         string
	EstimatedTime   string
	Quality         string
	Recommended     bool
	CreditsGeometry int
	CreditsTexture  int
	CreditsTotal    int
}

var presets = map[PresetID]Preset{
	"v1": {ID: "v1", Label: "ProtoScale-v1", Description: "Meshy 4 - Fast generation", AIModel: "meshy-4",
		EstimatedTime: "1-2 min", Quality: "Standard", CreditsGeometry: 5, CreditsTexture: 10, CreditsTotal: 15},
	"v2": {ID: "v2", Label: "ProtoScale-v2", Description: "Meshy 5 - Balanced quality", AIModel: "meshy-5",
		EstimatedTime: "2-3 min", Quality: "High", Recommended: true, CreditsGeometry: 5, CreditsTexture: 10, CreditsTotal: 15},
	"v3": {ID: "v3", Label: "ProtoScale-v3", Description: "Latest (Meshy 6) - Best quality", AIModel: "latest",
		EstimatedTime: "2-3 min", Quality: "Premium", CreditsGeometry: 20, CreditsTexture: 10, CreditsTotal: 30},
}

// LookupPreset returns the preset for id.
func LookupPreset(id PresetID) (Preset, bool) {
	p, ok := presets[id]
	return p, ok
}

// Presets lists all presets ordered by id.
func Presets() []Preset {
	return []Preset{presets["v1"], presets["v2"], presets["v3"]}
}

// ModelType is the mesh topology flavour.
type ModelType string

const (
	ModelStandard ModelType = "standard"
	ModelLowPoly  ModelType = "lowpoly"
)

// SymmetryMode controls symmetry handling during generation.
type SymmetryMode string

const (
	SymmetryOff  SymmetryMode = "off"
	SymmetryAuto SymmetryMode = "auto"
	SymmetryOn   SymmetryMode = "on"
)

// GenerateSettings is a normalized generation configuration.
type GenerateSettings struct {
	RemoveBackground bool         `json:"removeBackground"`
	ModelPreset      PresetID     `json:"modelPreset"`
	EnablePBR        bool         `json:"enablePbr"`
	ModelType        ModelType    `json:"modelType"`
	SymmetryMode     SymmetryMode `json:"symmetryMode"`
}

// GenerateOptions is user input before normalization; nil pointers and empty
// strings take defaults.
type GenerateOptions struct {
	RemoveBackground *bool
	ModelPreset      PresetID
	EnablePBR        *bool
	ModelType        string
	SymmetryMode     string
}

// Options converts settings back into fully specified options.
func (g GenerateSettings) Options() GenerateOptions {
	rb, pbr := g.RemoveBackground, g.EnablePBR
	return GenerateOptions{
		RemoveBackground: &rb,
		ModelPreset:      g.ModelPreset,
		EnablePBR:        &pbr,
		ModelType:        string(g.ModelType),
		SymmetryMode:     string(g.SymmetryMode),
	}
}

// NormalizeGenerateSettings applies defaults. An unknown preset falls back to
// selected, then to DefaultPreset; low-poly always uses v3.
func NormalizeGenerateSettings(opts GenerateOptions, selected PresetID) GenerateSettings {
	mt := ModelStandard
	if opts.ModelType == string(ModelLowPoly) {
		mt = ModelLowPoly
	}
	preset := DefaultPreset
	if _, ok := presets[opts.ModelPreset]; ok {
		preset = opts.ModelPreset
	} else if _, ok := presets[selected]; ok {
		preset = selected
	}
	if mt == ModelLowPoly {
		preset = "v3"
	}
	sym := SymmetryAuto
	switch SymmetryMode(opts.SymmetryMode) {
	case SymmetryOff, SymmetryOn:
		sym = SymmetryMode(opts.SymmetryMode)
	}
	out := GenerateSettings{
		RemoveBackground: true,
		ModelPreset:      preset,
		EnablePBR:        true,
		ModelType:        mt,
		SymmetryMode:     sym,
	}
	if opts.RemoveBackground != nil {
		out.RemoveBackground = *opts.RemoveBackground
	}
	if opts.EnablePBR != nil {
		out.EnablePBR = *opts.EnablePBR
	}
	return out
}

func buildGenerateRequest(g GenerateSettings) *types.GenerateRequest {
	p, ok := presets[g.ModelPreset]
	if !ok {
		p = presets[DefaultPreset]
	}
	return &types.GenerateRequest{
		RemoveBackground: g.RemoveBackground,
		AIModel:          p.AIModel,
		ShouldTexture:    g.EnablePBR,
		EnablePBR:        g.EnablePBR,
		ModelType:        string(g.ModelType),
		SymmetryMode:     string(g.SymmetryMode),
	}
}

// TextureSettings parameterize a re-texture request. NumViews, ApplyPaint and
// Seed only feed duration estimates.
type TextureSettings struct {
	ObjectPrompt   string `json:"objectPrompt"`
	StylePrompt    string `json:"stylePrompt"`
	EnablePBR      bool   `json:"enablePbr"`
	NegativePrompt string `json:"negativePrompt"`
	ArtStyle       string `json:"artStyle"`
	Resolution     int    `json:"resolution"`
	AIModel        string `json:"aiModel"`
	NumViews       int    `json:"numViews"`
	ApplyPaint     bool   `json:"applyPaint"`
	Seed           *int64 `json:"seed"`
}

// DefaultTextureSettings is what a fresh or reset engine starts with.
func DefaultTextureSettings() TextureSettings {
	return TextureSettings{
		EnablePBR:  true,
		ArtStyle:   "realistic",
		Resolution: 2048,
		AIModel:    "meshy-6-preview",
		NumViews:   4,
		ApplyPaint: true,
	}
}

// withDefaults fills zero numeric and style fields.
func (t TextureSettings) withDefaults() TextureSettings {
	d := DefaultTextureSettings()
	if t.ArtStyle == "" {
		t.ArtStyle = d.ArtStyle
	}
	if t.Resolution <= 0 {
		t.Resolution = d.Resolution
	}
	if t.AIModel == "" {
		t.AIModel = d.AIModel
	}
	if t.NumViews <= 0 {
		t.NumViews = d.NumViews
	}
	return t
}

func (t TextureSettings) clone() TextureSettings {
	if t.Seed != nil {
		s := *t.Seed
		t.Seed = &s
	}
	return t
}

// Fingerprint buckets duration samples: "<resolution>_<views>_<paint 0|1>".
func (t TextureSettings) Fingerprint() string {
	paint := 0
	if t.ApplyPaint {
		paint = 1
	}
	return fmt.Sprintf("%d_%d_%d", t.Resolution, t.NumViews, paint)
}

func (t TextureSettings) request() types.RetextureRequest {
	return types.RetextureRequest{
		ObjectPrompt:   t.ObjectPrompt,
		StylePrompt:    t.StylePrompt,
		EnablePBR:      t.EnablePBR,
		NegativePrompt: t.NegativePrompt,
		ArtStyle:       t.ArtStyle,
		Resolution:     t.Resolution,
		AIModel:        t.AIModel,
	}
}
