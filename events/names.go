package events

// Domain event names. Payloads carry the full updated record; deletion
// events carry just the identifier.
const (
	TaskCreated        = "task:created"
	TaskUpdated        = "task:updated"
	TaskDeleted        = "task:deleted"
	TaskSessionAdded   = "task:session_added"
	TaskSessionRemoved = "task:session_removed"

	SessionCreated     = "session:created"
	SessionUpdated     = "session:updated"
	SessionDeleted     = "session:deleted"
	SessionTaskAdded   = "session:task_added"
	SessionTaskRemoved = "session:task_removed"

	ProjectCreated = "project:created"
	ProjectDeleted = "project:deleted"
)

// All lists every event name the coordinator can emit. The observer
// bridge subscribes to each of these.
var All = []string{
	TaskCreated, TaskUpdated, TaskDeleted,
	TaskSessionAdded, TaskSessionRemoved,
	SessionCreated, SessionUpdated, SessionDeleted,
	SessionTaskAdded, SessionTaskRemoved,
	ProjectCreated, ProjectDeleted,
}

// DeletedPayload is the payload for deletion events.
type DeletedPayload struct {
	ID string `json:"id"`
}
