package store

// DragSession is the journal record of one completed drag, written by
// the engine when the drag ends.
type DragSession struct {
	ID               int64   `json:"id"`
	StartedNs        int64   `json:"started_ns"`
	EndedNs          int64   `json:"ended_ns"`
	Distance         float64 `json:"distance"`
	MoveCount        int     `json:"move_count"`
	DirectionChanges int     `json:"direction_changes"`
	MaxVelocity      float64 `json:"max_velocity"`
	AvgVelocity      float64 `json:"avg_velocity"`
	FileCount        int     `json:"file_count"`
	ShakeDetected    bool    `json:"shake_detected"`
}

// ShelfSession is the journal record of one shelf's lifetime. A row is
// inserted when the shelf is created and closed when it is destroyed;
// DestroyedNs is nil while the shelf is still up.
type ShelfSession struct {
	ID          int64  `json:"id"`
	ShelfID     string `json:"shelf_id"`
	CreatedNs   int64  `json:"created_ns"`
	DestroyedNs *int64 `json:"destroyed_ns,omitempty"`
	ItemCount   int    `json:"item_count"`
	Pinned      bool   `json:"pinned"`
	AutoHidden  bool   `json:"auto_hidden"`
}

// HealthIncident records a module status change worth keeping: a module
// going degraded or failed, and recoveries.
type HealthIncident struct {
	ID      int64  `json:"id"`
	AtNs    int64  `json:"at_ns"`
	Module  string `json:"module"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
