package tp

// Reassembly tracks the progress of a segmented message across frames: how
// many bytes are still expected from consecutive frames, and whether the
// sequence has become unsafe to trust.
//
// Inconsistent is pessimistic: it is raised the moment a FirstFrame is seen
// and cleared only once that FirstFrame passes validation. A sequence-number
// discontinuity raises it again, and it then sticks until the next valid
// FirstFrame.
type Reassembly struct {
	Remaining    uint16
	Inconsistent bool
}

// Complete reports whether all bytes announced by the FirstFrame arrived.
func (r Reassembly) Complete() bool { return r.Remaining == 0 }
