package api

import (
	"encoding/json"
	"time"

	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/status"
)

type deviceView struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Location     *string    `json:"location"`
	DeviceType   string     `json:"device_type"`
	OwnerID      *string    `json:"owner_id"`
	IsRegistered bool       `json:"is_registered"`
	IsOnline     bool       `json:"is_online"`
	LastSeen     *time.Time `json:"last_seen"`
	CreatedAt    time.Time  `json:"created_at"`
}

type readingView struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	SensorData json.RawMessage `json:"sensor_data"`
}

type deviceSummaryView struct {
	Device     deviceView      `json:"device"`
	LatestData json.RawMessage `json:"latest_data"`
	IsOnline   bool            `json:"is_online"`
}

// deviceView reports liveness from last_seen rather than the stored flag
func (h *Handler) deviceView(d *db.Device) deviceView {
	return deviceView{
		ID:           d.ID,
		Name:         d.Name,
		Location:     d.Location,
		DeviceType:   string(d.DeviceType),
		OwnerID:      d.OwnerID,
		IsRegistered: d.IsRegistered,
		IsOnline:     status.IsOnline(d.LastSeen, h.now(), h.onlineThreshold),
		LastSeen:     d.LastSeen,
		CreatedAt:    d.CreatedAt,
	}
}

func readingViewOf(r *db.SensorReading) *readingView {
	if r == nil {
		return nil
	}
	return &readingView{ID: r.ID, Timestamp: r.RecordedAt, SensorData: r.Payload}
}

// readingData is the bare payload, or an empty object when there is no reading
func readingData(r *db.SensorReading) json.RawMessage {
	if r == nil || len(r.Payload) == 0 {
		return json.RawMessage("{}")
	}
	return r.Payload
}
