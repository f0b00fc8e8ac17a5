package prediction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/BaSui01/meshforge/types"
)

// Status is the upstream prediction state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether polling can stop.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Input is the model input block of a create request.
type Input struct {
	Image            string     `json:"image"`
	MultipleViews    [3]*string `json:"multiple_views"`
	Caption          string     `json:"caption"`
	Steps            int        `json:"steps"`
	GuidanceScale    float64    `json:"guidance_scale"`
	OctreeResolution int        `json:"octree_resolution"`
	Seed             int64      `json:"seed"`
	CheckBoxRembg    bool       `json:"check_box_rembg"`
	ShapeOnly        bool       `json:"shape_only"`
}

// NewInput puts the first URL in image and pads the rest to three view slots.
func NewInput(imageURLs []string, params types.GenerationParams) Input {
	in := Input{
		Caption:          params.Caption,
		Steps:            params.Steps,
		GuidanceScale:    params.GuidanceScale,
		OctreeResolution: params.OctreeResolution,
		Seed:             params.Seed,
		CheckBoxRembg:    params.CheckBoxRembg,
		ShapeOnly:        params.ShapeOnly,
	}
	if len(imageURLs) > 0 {
		in.Image = imageURLs[0]
	}
	for i := 1; i < len(imageURLs) && i <= len(in.MultipleViews); i++ {
		u := imageURLs[i]
		in.MultipleViews[i-1] = &u
	}
	return in
}

type createRequest struct {
	Version string `json:"version,omitempty"`
	Input   Input  `json:"input"`
}

// SubmitRequest describes one generation request.
type SubmitRequest struct {
	ImageURLs []string
	Params    types.GenerationParams
}

// Output holds the URLs produced by a prediction. Upstream models return a
// single string, a list or an object of named files; all decode to a list.
type Output []string

// UnmarshalJSON accepts null, a string, an array or an object of strings.
func (o *Output) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = Output{s}
	case '[':
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(Output, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		*o = out
	case '{':
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(Output, 0, len(keys))
		for _, k := range keys {
			if s, ok := fields[k].(string); ok && s != "" {
				out = append(out, s)
			}
		}
		*o = out
	default:
		return fmt.Errorf("unsupported prediction output: %s", string(data))
	}
	return nil
}

// Prediction is one upstream prediction snapshot.
type Prediction struct {
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Output  Output          `json:"output"`
	Error   json.RawMessage `json:"error,omitempty"`
	Metrics map[string]any  `json:"metrics,omitempty"`
	// Raw is the response body the snapshot was decoded from.
	Raw json.RawMessage `json:"-"`
}

// ModelURL returns the first .glb output, or the first output of any type.
func (p *Prediction) ModelURL() string {
	for _, u := range p.Output {
		if strings.EqualFold(path.Ext(urlPath(u)), ".glb") {
			return u
		}
	}
	if len(p.Output) > 0 {
		return p.Output[0]
	}
	return ""
}

// ErrorMessage returns the upstream error as text.
func (p *Prediction) ErrorMessage() string {
	raw := bytes.TrimSpace(p.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

// apiError is the error body shape returned on non-2xx responses.
type apiError struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
	Title  string `json:"title"`
}
