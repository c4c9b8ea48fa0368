package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/septivank/device-gateway/internal/db"
)

// Memory is a process-local store with the same semantics as Repository.
// It backs the gateway when no DATABASE_URL is configured and in tests.
// A single mutex serializes every mutation, which gives claim and upsert their atomicity.
type Memory struct {
	mu sync.Mutex

	nextDeviceID  int64
	nextReadingID int64
	nextCommandID int64

	devices  map[int64]*db.Device
	byAPIKey map[string]int64
	readings map[int64][]db.SensorReading
	commands map[int64][]*db.Command
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[int64]*db.Device),
		byAPIKey: make(map[string]int64),
		readings: make(map[int64][]db.SensorReading),
		commands: make(map[int64][]*db.Command),
	}
}

func copyDevice(d *db.Device) *db.Device {
	out := *d
	if d.LastSeen != nil {
		ts := *d.LastSeen
		out.LastSeen = &ts
	}
	if d.OwnerID != nil {
		owner := *d.OwnerID
		out.OwnerID = &owner
	}
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}
	return &out
}

func copyCommand(c *db.Command) *db.Command {
	out := *c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.ClaimedAt != nil {
		ts := *c.ClaimedAt
		out.ClaimedAt = &ts
	}
	return &out
}

func (m *Memory) UpsertCheckIn(_ context.Context, apiKey string, declared db.DeviceType, name string, seenAt time.Time) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.upsertCheckIn(apiKey, declared, name, seenAt), nil
}

// UpsertCheckInWithReading applies the check-in and appends reading under one lock.
// The reading's device id and id are filled in.
func (m *Memory) UpsertCheckInWithReading(_ context.Context, apiKey string, declared db.DeviceType, name string, reading *db.SensorReading) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device := m.upsertCheckIn(apiKey, declared, name, reading.RecordedAt)
	reading.DeviceID = device.ID
	m.insertReading(reading)
	return device, nil
}

// upsertCheckIn requires mu to be held
func (m *Memory) upsertCheckIn(apiKey string, declared db.DeviceType, name string, seenAt time.Time) *db.Device {
	seen := seenAt
	if id, ok := m.byAPIKey[apiKey]; ok {
		d := m.devices[id]
		if d.DeviceType.IsUnset() && !declared.IsUnset() {
			d.DeviceType = declared
			d.Name = name
		}
		d.IsOnline = true
		d.LastSeen = &seen
		return copyDevice(d)
	}

	if declared == "" {
		declared = db.DeviceTypeUnset
	}
	m.nextDeviceID++
	d := &db.Device{
		ID:         m.nextDeviceID,
		APIKey:     apiKey,
		Name:       name,
		DeviceType: declared,
		IsOnline:   true,
		LastSeen:   &seen,
		CreatedAt:  seenAt,
	}
	m.devices[d.ID] = d
	m.byAPIKey[apiKey] = d.ID
	return copyDevice(d)
}

func (m *Memory) GetDeviceByAPIKey(_ context.Context, apiKey string) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byAPIKey[apiKey]
	if !ok {
		return nil, nil
	}
	return copyDevice(m.devices[id]), nil
}

func (m *Memory) GetDeviceByID(_ context.Context, id int64) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, nil
	}
	return copyDevice(d), nil
}

func (m *Memory) ClaimDevice(_ context.Context, id int64, ownerID string) (*db.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, false, nil
	}
	if d.IsRegistered {
		return copyDevice(d), false, nil
	}
	owner := ownerID
	d.OwnerID = &owner
	d.IsRegistered = true
	return copyDevice(d), true, nil
}

func (m *Memory) ListDevicesByOwner(_ context.Context, ownerID string) ([]db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := []db.Device{}
	for _, d := range m.devices {
		if d.IsRegistered && d.OwnerID != nil && *d.OwnerID == ownerID {
			devices = append(devices, *copyDevice(d))
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i].LastSeen, devices[j].LastSeen
		switch {
		case a == nil && b == nil:
			return devices[i].ID < devices[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return devices[i].ID < devices[j].ID
		default:
			return a.After(*b)
		}
	})
	return devices, nil
}

func (m *Memory) InsertReading(_ context.Context, reading *db.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertReading(reading)
	return nil
}

// insertReading requires mu to be held
func (m *Memory) insertReading(reading *db.SensorReading) {
	m.nextReadingID++
	reading.ID = m.nextReadingID
	stored := *reading
	stored.Payload = append(json.RawMessage(nil), reading.Payload...)
	m.readings[reading.DeviceID] = append(m.readings[reading.DeviceID], stored)
}

// sortedReadings returns the device log ordered by (recorded_at, id); caller holds mu
func (m *Memory) sortedReadings(deviceID int64) []db.SensorReading {
	log := append([]db.SensorReading(nil), m.readings[deviceID]...)
	sort.SliceStable(log, func(i, j int) bool {
		if log[i].RecordedAt.Equal(log[j].RecordedAt) {
			return log[i].ID < log[j].ID
		}
		return log[i].RecordedAt.Before(log[j].RecordedAt)
	})
	return log
}

func (m *Memory) ReadingsInRange(_ context.Context, deviceID int64, start, end time.Time) ([]db.SensorReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []db.SensorReading{}
	for _, r := range m.sortedReadings(deviceID) {
		if r.RecordedAt.Before(start) || r.RecordedAt.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) LatestReading(_ context.Context, deviceID int64) (*db.SensorReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.sortedReadings(deviceID)
	if len(log) == 0 {
		return nil, nil
	}
	latest := log[len(log)-1]
	return &latest, nil
}

func (m *Memory) InsertCommand(_ context.Context, cmd *db.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCommandID++
	cmd.ID = m.nextCommandID
	cmd.IsPending = true
	m.commands[cmd.DeviceID] = append(m.commands[cmd.DeviceID], copyCommand(cmd))
	return nil
}

func (m *Memory) ClaimNextCommand(_ context.Context, deviceID int64, claimedAt time.Time) (*db.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *db.Command
	for _, c := range m.commands[deviceID] {
		if !c.IsPending {
			continue
		}
		if next == nil || c.CreatedAt.Before(next.CreatedAt) ||
			(c.CreatedAt.Equal(next.CreatedAt) && c.ID < next.ID) {
			next = c
		}
	}
	if next == nil {
		return nil, nil
	}
	ts := claimedAt
	next.IsPending = false
	next.ClaimedAt = &ts
	return copyCommand(next), nil
}
