package domain

// Pose is one of the three required reference captures.
type Pose string

const (
	PoseFront Pose = "front"
	PoseLeft  Pose = "left"
	PoseRight Pose = "right"
)

// PoseOrder is the fixed capture order the cursor walks.
var PoseOrder = [3]Pose{PoseFront, PoseLeft, PoseRight}

// Valid reports whether p names a known pose.
func (p Pose) Valid() bool {
	return p == PoseFront || p == PoseLeft || p == PoseRight
}

// Next returns the pose after p in capture order, or "" past the end.
func (p Pose) Next() Pose {
	switch p {
	case PoseFront:
		return PoseLeft
	case PoseLeft:
		return PoseRight
	default:
		return ""
	}
}

// PoseState is the per-pose pipeline state.
type PoseState string

const (
	PoseEmpty     PoseState = "empty"
	PoseCaptured  PoseState = "captured"
	PoseUploading PoseState = "uploading"
	PoseAccepted  PoseState = "accepted"
	PoseRejected  PoseState = "rejected"
)

// Capture is one local capture: preview bytes only, no URL until the upload
// pipeline accepts it.
type Capture struct {
	Pose        Pose
	Bytes       []byte
	ContentType string
}

// CaptureSet tracks all three poses through the pipeline. It lives for one
// camera session; only accepted URLs outlive it on the profile record.
type CaptureSet struct {
	Cursor   Pose
	States   map[Pose]PoseState
	Captures map[Pose]Capture
	URLs     map[Pose]string
}

// NewCaptureSet opens a capture session with the cursor on the front pose.
func NewCaptureSet() *CaptureSet {
	states := make(map[Pose]PoseState, len(PoseOrder))
	for _, p := range PoseOrder {
		states[p] = PoseEmpty
	}
	return &CaptureSet{
		Cursor:   PoseFront,
		States:   states,
		Captures: make(map[Pose]Capture, len(PoseOrder)),
		URLs:     make(map[Pose]string, len(PoseOrder)),
	}
}

// Record stores a capture. Capturing the current pose advances the cursor;
// recapturing any other pose leaves the cursor alone.
func (c *CaptureSet) Record(capture Capture) {
	c.Captures[capture.Pose] = capture
	c.States[capture.Pose] = PoseCaptured
	if capture.Pose == c.Cursor {
		if next := c.Cursor.Next(); next != "" {
			c.Cursor = next
		}
	}
}

// AllCaptured reports whether every pose has at least reached captured.
func (c *CaptureSet) AllCaptured() bool {
	for _, p := range PoseOrder {
		if c.States[p] == PoseEmpty {
			return false
		}
	}
	return true
}

// Complete reports whether every pose has been uploaded and accepted.
func (c *CaptureSet) Complete() bool {
	for _, p := range PoseOrder {
		if c.States[p] != PoseAccepted {
			return false
		}
	}
	return true
}

// ModerationVerdict is the outcome of one content scan. It is produced twice
// per pose: pre-store on raw bytes and post-store on the stored URL.
type ModerationVerdict struct {
	Flagged bool
	Reason  string
}

// PoseOutcome is the per-pose result of one pipeline run.
type PoseOutcome struct {
	Pose     Pose
	State    PoseState
	URL      string
	Rejected *ModerationVerdict
	Err      string
}
