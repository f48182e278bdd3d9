package protocol

// OBS (bridge -> planner): one game frame.
type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           int    `json:"frame"`

	Minerals  int `json:"minerals"`
	Gas       int `json:"gas"`
	Supply    int `json:"supply"`
	MaxSupply int `json:"max_supply"`

	WorkerCount int `json:"worker_count"`
	GasWorkers  int `json:"gas_workers,omitempty"`

	Units    []UnitObs  `json:"units"`
	Upgrades []string   `json:"upgrades,omitempty"`
	Dead     []DeadObs  `json:"dead,omitempty"`
	Enemies  []EnemyObs `json:"enemies,omitempty"`

	// Issued is how many plan entries the bridge started since the previous OBS.
	Issued int     `json:"issued,omitempty"`
	FPS    float64 `json:"fps,omitempty"`
}

type UnitObs struct {
	Tag              uint64     `json:"tag"`
	Type             string     `json:"type"`
	Completed        bool       `json:"completed"`
	BeingConstructed bool       `json:"being_constructed,omitempty"`
	Progress         float64    `json:"progress,omitempty"`
	Training         bool       `json:"training,omitempty"`
	TrainingType     string     `json:"training_type,omitempty"`
	Energy           float64    `json:"energy,omitempty"`
	BoostFrames      int        `json:"boost_frames,omitempty"`
	Orders           []OrderObs `json:"orders,omitempty"`
}

type OrderObs struct {
	Produces  string  `json:"produces"`
	TargetTag uint64  `json:"target_tag,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}

type DeadObs struct {
	Tag  uint64 `json:"tag"`
	Type string `json:"type"`
}

type EnemyObs struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}
