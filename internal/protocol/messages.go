package protocol

// HELLO (bridge -> planner)
type HelloMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	BotName         string  `json:"bot_name"`
	Race            string  `json:"race"`
	EnemyRace       string  `json:"enemy_race,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	// Reaction overrides the configured reaction policy for this session.
	Reaction string `json:"reaction,omitempty"`
}

// WELCOME (planner -> bridge)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	CatalogDigest   string `json:"catalog_digest"`
	Reaction        string `json:"reaction"`
}

// PLAN (planner -> bridge): the pending build order after an OBS.
type PlanMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Frame           int         `json:"frame"`
	State           string      `json:"state"`
	Trigger         string      `json:"trigger,omitempty"`
	Entries         []PlanEntry `json:"entries"`
	Debug           string      `json:"debug,omitempty"`
}

type PlanEntry struct {
	Action string `json:"action"`
	Kind   string `json:"kind"`

	// Ability targets only. TargetTag is absent when the target unit has no engine tag yet.
	TargetTag      *uint64 `json:"target_tag,omitempty"`
	TargetType     string  `json:"target_type,omitempty"`
	ProductionType string  `json:"production_type,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
