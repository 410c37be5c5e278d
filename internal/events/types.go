package events

// Event type constants for kelindar/event.
const (
	TypeStreamStateChanged uint32 = iota + 1
	TypeDeviceRemoved
	TypeStreamError
	TypeCaptureCompleted
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStateChangedEvent is published on every stream state transition.
type StreamStateChangedEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Direction  string `json:"direction" example:"capture" doc:"Queue direction"`
	From       string `json:"from" example:"primed" doc:"Previous state"`
	To         string `json:"to" example:"streaming" doc:"New state"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// DeviceRemovedEvent is published when a device in use disappears, either
// through a hotplug notification or a driver error.
type DeviceRemovedEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Source     string `json:"source" example:"hotplug" doc:"What noticed the removal: hotplug or driver"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceRemovedEvent.
func (e DeviceRemovedEvent) Type() uint32 { return TypeDeviceRemoved }

// StreamErrorEvent reports a failed stream operation.
type StreamErrorEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Code       string `json:"code" example:"DRIVER_ERROR" doc:"Error category"`
	Error      string `json:"error" doc:"Detailed error description"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamErrorEvent.
func (e StreamErrorEvent) Type() uint32 { return TypeStreamError }

// CaptureCompletedEvent is published when a bounded capture or output run ends.
type CaptureCompletedEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Frames     uint64 `json:"frames" example:"300" doc:"Frames transferred"`
	Bytes      uint64 `json:"bytes" doc:"Payload bytes transferred"`
	Dropped    uint64 `json:"dropped" doc:"Frames lost according to sequence numbers"`
	Duration   string `json:"duration" example:"10.2s" doc:"Run time"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureCompletedEvent.
func (e CaptureCompletedEvent) Type() uint32 { return TypeCaptureCompleted }
