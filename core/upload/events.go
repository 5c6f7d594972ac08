package upload

// EventKind identifies which lifecycle transition an Event reports.
type EventKind int

const (
	EventStarted EventKind = iota
	EventPaused
	EventCancelled
	EventError
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventPaused:
		return "Paused"
	case EventCancelled:
		return "Cancelled"
	case EventError:
		return "Error"
	case EventFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Event is emitted by an Uploader (and re-emitted by the owning Pool) at
// each lifecycle transition. Exactly one terminal event is emitted per task,
// and it is always last: EventFinished, EventCancelled, or an EventError
// that leaves the task in the Error state (spec.md §5). A failed
// rapid-upload attempt is also reported as an EventError, but the task's
// state is not terminal at that point and the upload continues.
type Event struct {
	Kind    EventKind
	Task    *UploadTask
	Success bool // meaningful only for EventFinished
	Err     error
}

// Observer receives lifecycle events for a single task. A panic inside an
// Observer is recovered and dropped so one bad subscriber cannot break the
// emitting Uploader or Pool (spec.md §4.4/§7).
type Observer func(Event)

func safeNotify(obs Observer, ev Event) {
	if obs == nil {
		return
	}
	defer func() { _ = recover() }()
	obs(ev)
}
