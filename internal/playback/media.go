package playback

import (
	"fmt"
	"net/http"
	"strings"
)

// sniffLen is how much of a file DetectContentType looks at
const sniffLen = 512

// ValidateMediaType checks that header looks like a video container.
// Only the MIME prefix is checked, mirroring drag-and-drop input handling.
func ValidateMediaType(header []byte) error {
	if len(header) > sniffLen {
		header = header[:sniffLen]
	}
	mime := http.DetectContentType(header)
	if !strings.HasPrefix(mime, "video/") {
		return fmt.Errorf("unsupported media type %q", mime)
	}
	return nil
}
