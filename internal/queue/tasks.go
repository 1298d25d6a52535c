package queue

const (
	// TypeWorkflowRun drives one orchestrator pass over a workflow. Delayed
	// instances of the same task implement retry backoff.
	TypeWorkflowRun = "workflow:run"
)

type WorkflowRunPayload struct {
	WorkflowID string `json:"workflow_id"`
}
