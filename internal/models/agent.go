package models

// AgentResponse is the tagged result of one analysis-agent call. Failure
// paths populate Summary with the reason and leave SystemOK false; they never
// surface as errors to the workflow.
type AgentResponse struct {
	IncidentID  string              `json:"incident_id"`
	RCA         *RCAFinding         `json:"rca,omitempty"`
	Recommended []RemediationAction `json:"recommended_actions,omitempty"`
	Summary     string              `json:"summary"`
	SystemOK    bool                `json:"system_ok"`
	Confidence  float64             `json:"confidence"`
	Raw         string              `json:"-"`
}

// HealthFinding is what the agent's monitoring prompt yields when it judges
// the system unhealthy. A nil finding means the agent saw nothing wrong (or
// was not configured).
type HealthFinding struct {
	Severity            Severity            `json:"severity"`
	Title               string              `json:"title"`
	RootCause           string              `json:"root_cause"`
	ContributingFactors []string            `json:"contributing_factors,omitempty"`
	Recommended         []RemediationAction `json:"recommended_actions,omitempty"`
	Summary             string              `json:"summary"`
}
