package api

// StartRunPayload is the payload of a "start-run" task placed on a task
// queue. It is public so the worker and the host share one type without an
// import cycle.
type StartRunPayload struct {
	Input          any
	RuntimeContext map[string]any
}

// ResumeRunPayload is the payload of a "resume-run" task.
type ResumeRunPayload struct {
	Steps          []string
	ResumeData     any
	RuntimeContext map[string]any
}

// SendEventPayload is the payload of a "send-event" task.
type SendEventPayload struct {
	Event string
	Data  any
}
