// Package metrics provides simple in-memory counters for the relay
// server, exposed as Prometheus text exposition format on the internal
// metrics listener. Generalized from the teacher's ephemeral-specific
// counters to this relay's domain: rooms by kind, saves, quota
// rejections, and emergency drains.
package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/codecollab/relay/internal/room"
)

// Metrics holds server-wide counters (counts only).
type Metrics struct {
	ConnectionsTotal      uint64
	MessagesRelayed       uint64
	QuotaRejections       uint64
	CapacityRejections    uint64
	SavesSucceeded        uint64
	SavesFailed           uint64
	AnomalyDrains         uint64
	FileTreeTypedMessages uint64
}

// Global is the process-wide metrics instance.
var Global = &Metrics{}

func (m *Metrics) IncConnections()          { atomic.AddUint64(&m.ConnectionsTotal, 1) }
func (m *Metrics) IncMessages()             { atomic.AddUint64(&m.MessagesRelayed, 1) }
func (m *Metrics) IncQuotaRejection()       { atomic.AddUint64(&m.QuotaRejections, 1) }
func (m *Metrics) IncCapacityRejection()    { atomic.AddUint64(&m.CapacityRejections, 1) }
func (m *Metrics) IncSaveSucceeded()        { atomic.AddUint64(&m.SavesSucceeded, 1) }
func (m *Metrics) IncSaveFailed()           { atomic.AddUint64(&m.SavesFailed, 1) }
func (m *Metrics) IncAnomalyDrain()         { atomic.AddUint64(&m.AnomalyDrains, 1) }
func (m *Metrics) IncFileTreeTypedMessage() { atomic.AddUint64(&m.FileTreeTypedMessages, 1) }

// String renders the current counters plus the Room Registry's live
// status snapshot as Prometheus text exposition format.
func (m *Metrics) String(status room.Status) string {
	return fmt.Sprintf(`# HELP relay_rooms_total Current rooms by kind
# TYPE relay_rooms_total gauge
relay_rooms_total{kind="code-editor"} %d
relay_rooms_total{kind="file-tree"} %d
relay_rooms_total{kind="all"} %d
# HELP relay_rooms_grace_period Rooms currently within their grace period
# TYPE relay_rooms_grace_period gauge
relay_rooms_grace_period %d
# HELP relay_clients_active Current active clients across all rooms
# TYPE relay_clients_active gauge
relay_clients_active %d
# HELP relay_documents_in_memory Current CRDT documents held in memory
# TYPE relay_documents_in_memory gauge
relay_documents_in_memory %d
# HELP relay_connections_total Total connections accepted
# TYPE relay_connections_total counter
relay_connections_total %d
# HELP relay_messages_relayed_total Total messages relayed
# TYPE relay_messages_relayed_total counter
relay_messages_relayed_total %d
# HELP relay_quota_rejections_total Total connections refused by the per-IP-per-room quota
# TYPE relay_quota_rejections_total counter
relay_quota_rejections_total %d
# HELP relay_capacity_rejections_total Total connections refused by room capacity
# TYPE relay_capacity_rejections_total counter
relay_capacity_rejections_total %d
# HELP relay_saves_succeeded_total Total successful save-trigger calls
# TYPE relay_saves_succeeded_total counter
relay_saves_succeeded_total %d
# HELP relay_saves_failed_total Total failed save-trigger calls
# TYPE relay_saves_failed_total counter
relay_saves_failed_total %d
# HELP relay_anomaly_drains_total Total emergency force-cleanup passes
# TYPE relay_anomaly_drains_total counter
relay_anomaly_drains_total %d
# HELP relay_filetree_typed_messages_total Total FileTree messages recognized as typed directory events
# TYPE relay_filetree_typed_messages_total counter
relay_filetree_typed_messages_total %d
# HELP relay_uptime_seconds Server uptime in seconds
# TYPE relay_uptime_seconds gauge
relay_uptime_seconds %d
`,
		status.CodeEditorRooms,
		status.FileTreeRooms,
		status.TotalRooms,
		status.GracePeriodRooms,
		status.TotalClients,
		status.DocumentsInMemory,
		atomic.LoadUint64(&m.ConnectionsTotal),
		atomic.LoadUint64(&m.MessagesRelayed),
		atomic.LoadUint64(&m.QuotaRejections),
		atomic.LoadUint64(&m.CapacityRejections),
		atomic.LoadUint64(&m.SavesSucceeded),
		atomic.LoadUint64(&m.SavesFailed),
		atomic.LoadUint64(&m.AnomalyDrains),
		atomic.LoadUint64(&m.FileTreeTypedMessages),
		int(status.Uptime.Seconds()),
	)
}
