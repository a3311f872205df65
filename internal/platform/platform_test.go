package platform

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/thumbgrab/internal/models"
)

func TestExtractID(t *testing.T) {
	const id = "dQw4w9WgXcQ"
	valid := []string{
		id,
		"  " + id + " ",
		"https://www.youtube.com/watch?v=" + id,
		"https://www.youtube.com/watch?feature=share&v=" + id + "&t=42",
		"https://youtu.be/" + id,
		"https://youtu.be/" + id + "?si=abc",
		"https://www.youtube.com/embed/" + id,
		"https://youtube.com/shorts/" + id,
		"https://www.youtube.com/v/" + id,
		"https://www.youtube.com/live/" + id + "?feature=share",
	}
	for _, in := range valid {
		got, err := ExtractID(in)
		require.NoError(t, err, in)
		assert.Equal(t, id, got, in)
	}

	invalid := []string{
		"",
		"short",
		"https://example.com/video",
		"https://www.youtube.com/watch?v=tooShort",
		"https://www.youtube.com/watch?v=" + id + "EXTRA",
	}
	for _, in := range invalid {
		_, err := ExtractID(in)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, in)
	}
}

func TestCandidates(t *testing.T) {
	cands := Candidates("abcdefghijk")
	require.Len(t, cands, 5)
	assert.Equal(t, "https://img.youtube.com/vi/abcdefghijk/maxresdefault.jpg", cands[0].URL)
	assert.Equal(t, "https://img.youtube.com/vi/abcdefghijk/default.jpg", cands[4].URL)

	var names []string
	for _, c := range cands {
		names = append(names, c.Tier.Name)
	}
	assert.Equal(t, []string{"maxresdefault", "sddefault", "hqdefault", "mqdefault", "default"}, names)
}

func jpegOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

// thumbnailServer serves hqdefault and below; higher tiers return the placeholder
// except sddefault which is missing entirely.
func thumbnailServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	sizes := map[string][2]int{
		"maxresdefault": {120, 90},
		"hqdefault":     {480, 360},
		"mqdefault":     {320, 180},
		"default":       {120, 90},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		name := strings.TrimSuffix(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], ".jpg")
		size, ok := sizes[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegOf(t, size[0], size[1]))
	}))
}

func TestProbe(t *testing.T) {
	srv := thumbnailServer(t, nil)
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL+"/vi"), WithHTTPClient(srv.Client()))
	got, err := f.Probe(context.Background(), "https://youtu.be/abcdefghijk")
	require.NoError(t, err)
	require.Len(t, got, 5)

	byTier := map[string]Availability{}
	for _, a := range got {
		byTier[a.Candidate.Tier.Name] = a
	}

	assert.False(t, byTier["maxresdefault"].Available, "placeholder size")
	assert.False(t, byTier["sddefault"].Available)
	assert.Error(t, byTier["sddefault"].Err)
	assert.True(t, byTier["hqdefault"].Available)
	assert.Equal(t, 480, byTier["hqdefault"].Width)
	assert.Equal(t, 360, byTier["hqdefault"].Height)
	assert.True(t, byTier["default"].Available)
}

func TestProbeInvalidInputMakesNoRequests(t *testing.T) {
	var hits atomic.Int32
	srv := thumbnailServer(t, &hits)
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := f.Probe(context.Background(), "not a video")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.Zero(t, hits.Load())
}

func TestFetch(t *testing.T) {
	srv := thumbnailServer(t, nil)
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	cands, err := f.Candidates("abcdefghijk")
	require.NoError(t, err)

	img, err := f.Fetch(context.Background(), cands[3])
	require.NoError(t, err)
	assert.Equal(t, models.Fetched, img.Origin)
	assert.Equal(t, models.JPEG, img.Format)
	assert.Equal(t, 320, img.Width)
	assert.Equal(t, 180, img.Height)
	assert.Equal(t, len(img.Data), img.SizeBytes)
	assert.NotEmpty(t, img.ID)

	_, err = f.Fetch(context.Background(), cands[1])
	assert.Error(t, err)
}
