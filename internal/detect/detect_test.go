package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescale(t *testing.T) {
	sp := Space{X1: 960, Y1: 540, X2: 1920, Y2: 1080}

	// Identity at reference resolution.
	x1, y1, x2, y2 := Rescale(sp, 1920, 1080, 1920, 1080)
	assert.Equal(t, [4]int{960, 540, 1920, 1080}, [4]int{x1, y1, x2, y2})

	// Half-size frame.
	x1, y1, x2, y2 = Rescale(sp, 1920, 1080, 960, 540)
	assert.Equal(t, [4]int{480, 270, 960, 540}, [4]int{x1, y1, x2, y2})

	// Rounding: 1/3 scale of x=100 is 33.33 -> 33.
	x1, _, _, _ = Rescale(Space{X1: 100, X2: 200, Y2: 100}, 1920, 1080, 640, 360)
	assert.Equal(t, 33, x1)
}

func frameJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestAnnotate_PreservesDimensions(t *testing.T) {
	frame := frameJPEG(t, 640, 360)
	occupied := true
	conf := 0.87

	out, err := Annotate(frame,
		[]Space{{SpaceID: "A1", SpaceName: "A1", X1: 100, Y1: 100, X2: 500, Y2: 400}},
		[]State{{SpaceID: "A1", Occupied: &occupied, Confidence: &conf}},
		1920, 1080)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 360, img.Bounds().Dy())
	assert.NotEqual(t, frame, out, "annotation must change the image")
}

func TestAnnotate_UnknownState(t *testing.T) {
	frame := frameJPEG(t, 192, 108)

	out, err := Annotate(frame,
		[]Space{{SpaceID: "A1", SpaceName: "A1", X1: 0, Y1: 0, X2: 1920, Y2: 1080}},
		[]State{{SpaceID: "A1"}}, // nil occupancy
		1920, 1080)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestAnnotate_RejectsGarbage(t *testing.T) {
	_, err := Annotate([]byte("not a jpeg"), nil, nil, 1920, 1080)
	assert.Error(t, err)
}

func TestHTTPDetector_RoundTrip(t *testing.T) {
	frame := frameJPEG(t, 192, 108)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/detect", r.URL.Path)

		var req struct {
			RefWidth  int     `json:"ref_width"`
			RefHeight int     `json:"ref_height"`
			Spaces    []Space `json:"spaces"`
			FrameB64  []byte  `json:"frame_jpeg"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1920, req.RefWidth)
		assert.Equal(t, frame, req.FrameB64)
		require.Len(t, req.Spaces, 2)

		occupied := true
		conf := 0.93
		// Answer out of order: the client re-keys by space id.
		json.NewEncoder(w).Encode(map[string]any{
			"states": []State{
				{SpaceID: "B2"},
				{SpaceID: "A1", Occupied: &occupied, Confidence: &conf},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 1920, 1080)
	states, err := d.Detect(context.Background(), frame, []Space{
		{SpaceID: "A1", SpaceName: "A1", X1: 0, Y1: 0, X2: 100, Y2: 100},
		{SpaceID: "B2", SpaceName: "B2", X1: 100, Y1: 0, X2: 200, Y2: 100},
	})
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "A1", states[0].SpaceID)
	require.NotNil(t, states[0].Occupied)
	assert.True(t, *states[0].Occupied)
	assert.InDelta(t, 0.93, *states[0].Confidence, 1e-9)

	assert.Equal(t, "B2", states[1].SpaceID)
	assert.Nil(t, states[1].Occupied, "null occupancy passes through verbatim")
}

func TestHTTPDetector_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model load failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 1920, 1080)
	_, err := d.Detect(context.Background(), []byte("x"), []Space{{SpaceID: "A1"}})
	assert.Error(t, err)
}
