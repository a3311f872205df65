package models

import (
	"strings"
	"time"
)

// Format is the encoding of a captured image
type Format int

const (
	PNG Format = iota
	JPEG
	WEBP
)

// ParseFormat maps a user supplied name to a Format. Unknown names default to PNG.
func ParseFormat(name string) Format {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg", "image/jpeg":
		return JPEG
	case "webp", "image/webp":
		return WEBP
	default:
		return PNG
	}
}

func (f Format) String() string {
	switch f {
	case JPEG:
		return "jpeg"
	case WEBP:
		return "webp"
	default:
		return "png"
	}
}

// Ext returns the file extension used for downloads
func (f Format) Ext() string {
	if f == JPEG {
		return "jpg"
	}
	return f.String()
}

// MIME returns the content type of the encoded payload
func (f Format) MIME() string {
	return "image/" + f.String()
}

// Lossless reports whether quality settings are ignored for the format
func (f Format) Lossless() bool {
	return f == PNG
}

// Origin marks where a CapturedImage came from
type Origin int

const (
	Captured Origin = iota
	Fetched
)

func (o Origin) String() string {
	if o == Fetched {
		return "fetched"
	}
	return "captured"
}

// CapturedImage is an encoded still taken from the video or fetched from the platform.
// Values are treated as immutable once created.
type CapturedImage struct {
	ID         string    `json:"id"`
	Data       []byte    `json:"-"`
	SourceTime float64   `json:"source_time"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     Format    `json:"format"`
	SizeBytes  int       `json:"size_bytes"`
	Origin     Origin    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`

	// Caption is filled by the optional vision captioner before export
	Caption string `json:"caption,omitempty"`
}

// MIME returns the content type of the payload
func (c CapturedImage) MIME() string {
	return c.Format.MIME()
}

// PlaybackState is a snapshot of the playback controller
type PlaybackState struct {
	IsReady       bool    `json:"is_ready"`
	IsPlaying     bool    `json:"is_playing"`
	CurrentTime   float64 `json:"current_time"`
	Duration      float64 `json:"duration"`
	NaturalWidth  int     `json:"natural_width"`
	NaturalHeight int     `json:"natural_height"`
}

// MediaInfo is what the decoder reports once metadata resolves
type MediaInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
}

// WorkItem represents a thumbnail queued for captioning
type WorkItem struct {
	Index int
	Total int
	Image CapturedImage
}

// CaptionResult represents the result of describing a thumbnail
type CaptionResult struct {
	ImageID string `json:"image_id"`
	Content string `json:"content"`
}

// ThumbnailSearchResult is a row returned by a similarity query against the catalog
type ThumbnailSearchResult struct {
	Archive    string  `json:"archive"`
	EntryName  string  `json:"entry_name"`
	SourceTime float64 `json:"source_time"`
	Caption    string  `json:"caption"`
	Similarity float64 `json:"similarity"`
}
