package model

import "fmt"

// DepthRange is one band of the normalized depth scale. Min is inclusive;
// Max is exclusive except for the final range of a partition, which is
// closed at the full scale.
type DepthRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Label renders the range the way layer filenames and progress messages
// present it, e.g. "25.0-50.0".
func (r DepthRange) Label() string {
	return fmt.Sprintf("%.1f-%.1f", r.Min, r.Max)
}

// LayerInfo is the metadata of a single produced layer.
type LayerInfo struct {
	Ordinal  int        `json:"ordinal"` // 1-based
	Filename string     `json:"filename"`
	Range    DepthRange `json:"range"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Size     int        `json:"size"` // encoded PNG bytes
}

// SliceResult describes one completed slicing run.
type SliceResult struct {
	MD5        string      `json:"md5"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	LayerCount int         `json:"layer_count"`
	Overlap    float64     `json:"overlap"`
	Border     int         `json:"border"`
	Layers     []LayerInfo `json:"layers"`
	Timestamp  int64       `json:"timestamp"`
}

// SliceResponse acknowledges an accepted slicing request.
type SliceResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	JobID   string       `json:"job_id,omitempty"`
	Data    *SliceResult `json:"data,omitempty"` // populated on cache hit
}

// JobResponse reports job progress and, once complete, the result.
type JobResponse struct {
	Success bool         `json:"success"`
	State   string       `json:"state"`
	Percent float64      `json:"percent"`
	Message string       `json:"message"`
	Data    *SliceResult `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ErrorResponse is the error envelope shared by all handlers.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
