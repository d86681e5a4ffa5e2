package ingest

import (
	"fmt"
	"strconv"
)

// CancellationReason tells why an ingest job was cancelled. A job keeps the
// first reason it was cancelled with.
type CancellationReason int32

const (
	NotCancelled CancellationReason = iota
	UserCancelled
	ModulesStartupFailed
	OutOfDiskSpace
	ServicesDown
	CaseClosed
)

var reasons = [...]struct {
	display string
	key     string
}{
	NotCancelled:         {"Not cancelled", "not_cancelled"},
	UserCancelled:        {"Cancelled by user", "user_cancelled"},
	ModulesStartupFailed: {"Ingest modules startup failed", "modules_startup_failed"},
	OutOfDiskSpace:       {"Out of disk space", "out_of_disk_space"},
	ServicesDown:         {"Not all services are up", "services_down"},
	CaseClosed:           {"Case closed", "case_closed"},
}

func (r CancellationReason) valid() bool {
	return r >= 0 && int(r) < len(reasons)
}

// String returns the display name of the reason.
func (r CancellationReason) String() string {
	if !r.valid() {
		return "CancellationReason(" + strconv.Itoa(int(r)) + ")"
	}
	return reasons[r].display
}

// Key returns a stable identifier usable in metrics labels and JSON.
func (r CancellationReason) Key() string {
	if !r.valid() {
		return "unknown"
	}
	return reasons[r].key
}

func (r CancellationReason) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("invalid cancellation reason %d", int(r))
	}
	return []byte(reasons[r].key), nil
}

func (r *CancellationReason) UnmarshalText(text []byte) error {
	for i, v := range reasons {
		if v.key == string(text) {
			*r = CancellationReason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown cancellation reason %q", text)
}

// Mode is the way files reach an ingest job.
type Mode int

const (
	// ModeBatch enumerates the whole data source when the job starts.
	ModeBatch Mode = iota
	// ModeStreaming receives files while the data source is still being added.
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeBatch:
		return "batch"
	case ModeStreaming:
		return "streaming"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}
