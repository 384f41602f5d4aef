package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Space is one detection region in the reference frame.
type Space struct {
	SpaceID   string `json:"space_id"`
	SpaceName string `json:"space_name"`
	// Reference-frame coordinates (see Reference in Options).
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// State is the detector verdict for one space. Occupied nil means no object
// crossed the minimum IoU against the rescaled bbox; the pipeline stores the
// tuple verbatim.
type State struct {
	SpaceID    string   `json:"space_id"`
	Occupied   *bool    `json:"occupied"`
	Confidence *float64 `json:"confidence"`
}

// Detector runs one inference per frame and returns a state per space, in
// the order the spaces were given.
type Detector interface {
	Detect(ctx context.Context, frame []byte, spaces []Space) ([]State, error)
}

// HTTPDetector calls an inference sidecar speaking HTTP+JSON. The sidecar
// owns the model choice; this client only carries frames and coordinates.
type HTTPDetector struct {
	BaseURL string
	Client  *http.Client

	// Reference frame the space coordinates are expressed in.
	RefWidth  int
	RefHeight int
}

func NewHTTPDetector(baseURL string, refW, refH int) *HTTPDetector {
	return &HTTPDetector{
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: 30 * time.Second},
		RefWidth:  refW,
		RefHeight: refH,
	}
}

type detectRequest struct {
	RefWidth  int     `json:"ref_width"`
	RefHeight int     `json:"ref_height"`
	Spaces    []Space `json:"spaces"`
	FrameB64  []byte  `json:"frame_jpeg"` // encoding/json base64-encodes byte slices
}

type detectResponse struct {
	States []State `json:"states"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame []byte, spaces []Space) ([]State, error) {
	payload, err := json.Marshal(detectRequest{
		RefWidth:  d.RefWidth,
		RefHeight: d.RefHeight,
		Spaces:    spaces,
		FrameB64:  frame,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/v1/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detector response decode: %w", err)
	}

	// Re-key by space id so a sidecar that reorders spaces stays correct.
	byID := make(map[string]State, len(out.States))
	for _, s := range out.States {
		byID[s.SpaceID] = s
	}
	states := make([]State, len(spaces))
	for i, sp := range spaces {
		if s, ok := byID[sp.SpaceID]; ok {
			states[i] = s
		} else {
			states[i] = State{SpaceID: sp.SpaceID}
		}
	}
	return states, nil
}

// Rescale maps a reference-frame bbox onto an actual frame of w x h.
func Rescale(sp Space, refW, refH, w, h int) (x1, y1, x2, y2 int) {
	scale := func(v, ref, actual int) int {
		return int(float64(v)*float64(actual)/float64(ref) + 0.5)
	}
	return scale(sp.X1, refW, w), scale(sp.Y1, refH, h),
		scale(sp.X2, refW, w), scale(sp.Y2, refH, h)
}
