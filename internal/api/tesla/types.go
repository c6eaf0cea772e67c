package tesla

import "time"

// VehicleData vehicle_data 响应的强类型视图
type VehicleData struct {
	ID            int64          `json:"id"`
	VehicleID     int64          `json:"vehicle_id"`
	VIN           string         `json:"vin"`
	DisplayName   string         `json:"display_name"`
	State         string         `json:"state"`
	InService     bool           `json:"in_service"`
	ChargeState   *ChargeState   `json:"charge_state,omitempty"`
	ClimateState  *ClimateState  `json:"climate_state,omitempty"`
	DriveState    *DriveState    `json:"drive_state,omitempty"`
	VehicleState  *VehicleState  `json:"vehicle_state,omitempty"`
	VehicleConfig *VehicleConfig `json:"vehicle_config,omitempty"`
}

// ChargeState 充电状态
type ChargeState struct {
	BatteryLevel       int     `json:"battery_level"`
	UsableBatteryLevel int     `json:"usable_battery_level"`
	BatteryRange       float64 `json:"battery_range"`       // 英里
	EstBatteryRange    float64 `json:"est_battery_range"`   // 英里
	IdealBatteryRange  float64 `json:"ideal_battery_range"` // 英里
	ChargeLimitSoc     int     `json:"charge_limit_soc"`
	ChargingState      string  `json:"charging_state"` // Disconnected, Stopped, Charging, Complete
	ChargerPower       float64 `json:"charger_power"`  // kW
	ChargerVoltage     float64 `json:"charger_voltage"`
	ChargeEnergyAdded  float64 `json:"charge_energy_added"` // kWh
	ChargeRate         float64 `json:"charge_rate"`         // 英里/小时
	TimeToFullCharge   float64 `json:"time_to_full_charge"` // 小时
	ChargePortDoorOpen bool    `json:"charge_port_door_open"`
	Timestamp          int64   `json:"timestamp"`
}

// ClimateState 空调状态
type ClimateState struct {
	InsideTemp           *float64 `json:"inside_temp,omitempty"`  // 摄氏度
	OutsideTemp          *float64 `json:"outside_temp,omitempty"` // 摄氏度
	DriverTempSetting    float64  `json:"driver_temp_setting"`
	PassengerTempSetting float64  `json:"passenger_temp_setting"`
	IsClimateOn          bool     `json:"is_climate_on"`
	IsPreconditioning    bool     `json:"is_preconditioning"`
	Timestamp            int64    `json:"timestamp"`
}

// DriveState 驾驶状态
type DriveState struct {
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Heading    int      `json:"heading"`
	GpsAsOf    int64    `json:"gps_as_of"`
	Speed      *float64 `json:"speed,omitempty"` // 英里/小时，nil 表示静止
	Power      float64  `json:"power"`           // kW
	ShiftState *string  `json:"shift_state,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// VehicleState 车辆状态
type VehicleState struct {
	APIVersion    int     `json:"api_version"`
	CarVersion    string  `json:"car_version"`
	Odometer      float64 `json:"odometer"` // 英里
	Locked        bool    `json:"locked"`
	SentryMode    bool    `json:"sentry_mode"`
	ValetMode     bool    `json:"valet_mode"`
	IsUserPresent bool    `json:"is_user_present"`
	VehicleName   string  `json:"vehicle_name"`
	Timestamp     int64   `json:"timestamp"`
}

// VehicleConfig 车辆配置
type VehicleConfig struct {
	CarType       string `json:"car_type"`
	TrimBadging   string `json:"trim_badging"`
	ExteriorColor string `json:"exterior_color"`
	WheelType     string `json:"wheel_type"`
}

// Time 数据时间戳
func (d *DriveState) Time() time.Time {
	return ParseTimestamp(d.Timestamp)
}

// MilesToKm 英里转公里
func MilesToKm(miles float64) float64 {
	return miles * 1.60934
}

// ParseTimestamp 解析 Tesla API 时间戳 (毫秒)
func ParseTimestamp(ts int64) time.Time {
	return time.UnixMilli(ts).UTC()
}
