package objects

// RoutePlannerStatus reports the node's IP rotation state. Class is empty
// when no route planner is configured.
type RoutePlannerStatus struct {
	Class   string              `json:"class"`
	Details *RoutePlannerDetail `json:"details"`
}

// RoutePlannerDetail is the class-specific portion of a route planner
// status. Fields not applicable to the active class are zero.
type RoutePlannerDetail struct {
	IPBlock             IPBlock          `json:"ipBlock"`
	FailingAddresses    []FailingAddress `json:"failingAddresses"`
	RotateIndex         string           `json:"rotateIndex"`
	IPIndex             string           `json:"ipIndex"`
	CurrentAddress      string           `json:"currentAddress"`
	CurrentAddressIndex string           `json:"currentAddressIndex"`
	BlockIndex          string           `json:"blockIndex"`
}

// IPBlock describes the address block the planner rotates through.
type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

// FailingAddress is an address the planner has marked as banned.
type FailingAddress struct {
	Address   string `json:"failingAddress"`
	Timestamp int64  `json:"failingTimestamp"`
	Time      string `json:"failingTime"`
}
