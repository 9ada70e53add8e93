package model

// Known telemetry kinds carried in the last topic segment.
const (
	KindGlobalPosition = "GLOBAL_POSITION_INT"
	KindSysStatus      = "SYS_STATUS"
	KindAttitude       = "ATTITUDE"
	KindGPSRaw         = "GPS_RAW_INT"
	KindVFRHUD         = "VFR_HUD"
	KindHeartbeat      = "HEARTBEAT"
	// KindOnline is the synthetic kind carrying the bridge's link state.
	KindOnline = "isonline"
)

// TelemetryMessage is the latest payload received for one device and kind.
// It is replaced wholesale, never mutated.
type TelemetryMessage struct {
	Timestamp int64          `json:"timestamp"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data"`
}

// GlobalPosition mirrors GLOBAL_POSITION_INT. Lat and Lon are degrees * 1e7.
type GlobalPosition struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Alt         float64 `json:"alt"`
	RelativeAlt float64 `json:"relative_alt"`
	Vx          float64 `json:"vx"`
	Vy          float64 `json:"vy"`
	Vz          float64 `json:"vz"`
	Hdg         float64 `json:"hdg"`
}

// SystemStatus mirrors SYS_STATUS.
type SystemStatus struct {
	VoltageBattery   float64 `json:"voltage_battery"`
	CurrentBattery   float64 `json:"current_battery"`
	BatteryRemaining float64 `json:"battery_remaining"`
	DropRateComm     float64 `json:"drop_rate_comm"`
	ErrorsComm       float64 `json:"errors_comm"`
}

// Attitude mirrors ATTITUDE, angles in radians.
type Attitude struct {
	TimeBootMS float64 `json:"time_boot_ms"`
	Roll       float64 `json:"roll"`
	Pitch      float64 `json:"pitch"`
	Yaw        float64 `json:"yaw"`
	RollSpeed  float64 `json:"rollspeed"`
	PitchSpeed float64 `json:"pitchspeed"`
	YawSpeed   float64 `json:"yawspeed"`
}

// GPSRaw mirrors GPS_RAW_INT.
type GPSRaw struct {
	TimeUsec          float64 `json:"time_usec"`
	FixType           float64 `json:"fix_type"`
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	Alt               float64 `json:"alt"`
	Eph               float64 `json:"eph"`
	Epv               float64 `json:"epv"`
	Vel               float64 `json:"vel"`
	Cog               float64 `json:"cog"`
	SatellitesVisible float64 `json:"satellites_visible"`
}

// VFRHUD mirrors VFR_HUD.
type VFRHUD struct {
	Airspeed    float64 `json:"airspeed"`
	Groundspeed float64 `json:"groundspeed"`
	Heading     float64 `json:"heading"`
	Throttle    float64 `json:"throttle"`
	Alt         float64 `json:"alt"`
	Climb       float64 `json:"climb"`
}

// Heartbeat mirrors HEARTBEAT.
type Heartbeat struct {
	Type           float64 `json:"type"`
	Autopilot      float64 `json:"autopilot"`
	BaseMode       float64 `json:"base_mode"`
	CustomMode     float64 `json:"custom_mode"`
	SystemStatus   float64 `json:"system_status"`
	MavlinkVersion float64 `json:"mavlink_version"`
}
