package aspect

import (
	"fmt"
	"math"
	"strings"
)

// maxLabelTerm is the largest reduced term rendered as "W:H"
const maxLabelTerm = 21

// Dimension identifies which side of the output box the user edited
type Dimension int

const (
	Width Dimension = iota
	Height
)

// Solver keeps the reference ratio that a locked edit must preserve
type Solver struct {
	ratio float64
}

// NewSolver creates a solver whose reference ratio is width/height
func NewSolver(width, height int) *Solver {
	s := &Solver{}
	s.Reset(width, height)
	return s
}

// Reset replaces the reference ratio, e.g. when a new source becomes ready
func (s *Solver) Reset(width, height int) {
	if width <= 0 || height <= 0 {
		s.ratio = 0
		return
	}
	s.ratio = float64(width) / float64(height)
}

// Ratio returns the current reference ratio (0 when unknown)
func (s *Solver) Ratio() float64 {
	return s.ratio
}

// DeriveCompanion recomputes the dimension that was not changed.
// With lock off the inputs are returned as given and become the new reference.
func (s *Solver) DeriveCompanion(width, height int, changed Dimension, lock bool) (int, int) {
	if !lock || s.ratio <= 0 {
		if width > 0 && height > 0 {
			s.Reset(width, height)
		}
		return width, height
	}

	switch changed {
	case Width:
		width = atLeastOne(width)
		height = atLeastOne(int(math.Round(float64(width) / s.ratio)))
	case Height:
		height = atLeastOne(height)
		width = atLeastOne(int(math.Round(float64(height) * s.ratio)))
	}
	return width, height
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// RatioLabel renders width:height reduced by their GCD, or a decimal "N.NN:1" label
// when either reduced term is larger than 21.
func RatioLabel(width, height int) string {
	if width <= 0 || height <= 0 {
		return "0:0"
	}
	d := gcd(width, height)
	w, h := width/d, height/d
	if w <= maxLabelTerm && h <= maxLabelTerm {
		return fmt.Sprintf("%d:%d", w, h)
	}
	return fmt.Sprintf("%.2f:1", float64(width)/float64(height))
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Preset is a named output size used by social platforms
type Preset struct {
	Name   string
	Label  string
	Width  int
	Height int
}

// Presets lists the built in output sizes
var Presets = []Preset{
	{Name: "youtube", Label: "YouTube thumbnail", Width: 1280, Height: 720},
	{Name: "youtube-shorts", Label: "YouTube Shorts", Width: 1080, Height: 1920},
	{Name: "instagram", Label: "Instagram square", Width: 1080, Height: 1080},
	{Name: "instagram-portrait", Label: "Instagram portrait", Width: 1080, Height: 1350},
	{Name: "twitter", Label: "Twitter / X", Width: 1200, Height: 675},
	{Name: "facebook", Label: "Facebook", Width: 1200, Height: 630},
	{Name: "linkedin", Label: "LinkedIn", Width: 1200, Height: 627},
	{Name: "pinterest", Label: "Pinterest", Width: 1000, Height: 1500},
	{Name: "tiktok", Label: "TikTok", Width: 1080, Height: 1920},
	{Name: "fullhd", Label: "Full HD", Width: 1920, Height: 1080},
	{Name: "4k", Label: "4K UHD", Width: 3840, Height: 2160},
}

// PresetByName looks up a preset, case-insensitively
func PresetByName(name string) (Preset, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// ParseSize parses "WIDTHxHEIGHT"
func ParseSize(s string) (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: dimensions must be positive", s)
	}
	return w, h, nil
}
