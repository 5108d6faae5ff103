package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/labrun/photonrun/internal/frame"
	"github.com/labrun/photonrun/internal/types"
)

// StatusEvent is published whenever a device's lifecycle status changes.
type StatusEvent struct {
	DeviceID types.DeviceID
	Status   types.Status
}

// ParameterEvent is published whenever a device parameter's value changes.
type ParameterEvent struct {
	DeviceID types.DeviceID
	Name     string
	ValueJSON []byte
}

// FrameEvent carries an acquired frame. Subscribers that hold onto
// Frame beyond the callback must call Frame.Buffer.Acquire(); the
// publisher releases its own reference after fan-out.
type FrameEvent struct {
	DeviceID types.DeviceID
	Frame    frame.Frame
}

// Hub bundles the three telemetry streams (spec §4.H) behind one
// handle, each independently filterable and lag-reporting.
type Hub struct {
	Status    *Bus[StatusEvent]
	Parameter *Bus[ParameterEvent]
	Frame     *Bus[FrameEvent]
}

// NewHub constructs the three streams with the given per-subscriber
// queue depth.
func NewHub(queueLen int) *Hub {
	return &Hub{
		Status:    NewBus[StatusEvent]("status", queueLen),
		Parameter: NewBus[ParameterEvent]("parameter", queueLen),
		Frame:     NewBus[FrameEvent]("frame", queueLen),
	}
}

// Collectors returns every Prometheus collector across all three
// streams, for a single /metrics registration call.
func (h *Hub) Collectors() []prometheus.Collector {
	var all []prometheus.Collector
	all = append(all, h.Status.Collectors()...)
	all = append(all, h.Parameter.Collectors()...)
	all = append(all, h.Frame.Collectors()...)
	return all
}

// PublishStatus broadcasts a status transition for deviceID.
func (h *Hub) PublishStatus(deviceID types.DeviceID, status types.Status) {
	h.Status.Publish(Topic{"status", string(deviceID)}, StatusEvent{DeviceID: deviceID, Status: status})
}

// PublishParameter broadcasts a parameter value change.
func (h *Hub) PublishParameter(deviceID types.DeviceID, name string, valueJSON []byte) {
	h.Parameter.Publish(Topic{"parameter", string(deviceID), name}, ParameterEvent{DeviceID: deviceID, Name: name, ValueJSON: valueJSON})
}

// PublishFrame broadcasts an acquired frame.
func (h *Hub) PublishFrame(deviceID types.DeviceID, f frame.Frame) {
	h.Frame.Publish(Topic{"frame", string(deviceID)}, FrameEvent{DeviceID: deviceID, Frame: f})
}

// SubscribeStatus subscribes to status events for a device (or "+"/"#"
// patterns across devices).
func (h *Hub) SubscribeStatus(deviceIDPattern string) *Subscription[StatusEvent] {
	return h.Status.Subscribe(Topic{"status", deviceIDPattern})
}

// SubscribeParameter subscribes to parameter-change events.
func (h *Hub) SubscribeParameter(deviceIDPattern, namePattern string) *Subscription[ParameterEvent] {
	return h.Parameter.Subscribe(Topic{"parameter", deviceIDPattern, namePattern})
}

// SubscribeFrames subscribes to frame events for a device (or "+"/"#").
func (h *Hub) SubscribeFrames(deviceIDPattern string) *Subscription[FrameEvent] {
	return h.Frame.Subscribe(Topic{"frame", deviceIDPattern})
}
