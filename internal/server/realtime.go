package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
)

const (
	RealtimeEventCreditsChanged = "credits-changed"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeHeartbeatInterval   = 25 * time.Second
	realtimeBufferSize          = 4
)

// RealtimeMessage carries a device's totals after a ledger mutation.
type RealtimeMessage struct {
	DeviceID  devices.ID
	EventType string
	Balance   ledger.Balance
	Timestamp time.Time
}

// RealtimeDispatcher fans balance snapshots out to the open streams of a
// device. Each message supersedes the previous one, so a full subscriber
// buffer sheds its oldest snapshot instead of the newest.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[devices.ID]map[int64]chan RealtimeMessage
	sequence    atomic.Int64
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{subscribers: make(map[devices.ID]map[int64]chan RealtimeMessage)}
}

// Subscribe registers a stream for deviceID until ctx ends or the returned
// cleanup runs. An empty device id yields a closed channel.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, deviceID devices.ID) (<-chan RealtimeMessage, func()) {
	if deviceID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.sequence.Add(1)
	stream := make(chan RealtimeMessage, realtimeBufferSize)

	d.mu.Lock()
	if d.subscribers[deviceID] == nil {
		d.subscribers[deviceID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[deviceID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(deviceID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// PublishBalance announces fresh totals for deviceID.
func (d *RealtimeDispatcher) PublishBalance(deviceID devices.ID, balance ledger.Balance) {
	d.Publish(RealtimeMessage{
		DeviceID:  deviceID,
		EventType: RealtimeEventCreditsChanged,
		Balance:   balance,
		Timestamp: time.Now().UTC(),
	})
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DeviceID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	streams := make([]chan RealtimeMessage, 0, len(d.subscribers[message.DeviceID]))
	for _, stream := range d.subscribers[message.DeviceID] {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		offerLatest(stream, message)
	}
}

func offerLatest(stream chan RealtimeMessage, message RealtimeMessage) {
	select {
	case stream <- message:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- message:
	default:
	}
}

func (d *RealtimeDispatcher) subscriberCount(deviceID devices.ID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[deviceID])
}

func (d *RealtimeDispatcher) remove(deviceID devices.ID, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[deviceID]
	delete(streams, id)
	if len(streams) == 0 {
		delete(d.subscribers, deviceID)
	}
}
