package tesla

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
)

// Endpoint 能力表中的一个逻辑操作
type Endpoint struct {
	Name   string
	Method string
	URI    string // 相对路径模板，例如 api/1/vehicles/{vehicle_id}/wake_up
	Auth   bool   // 是否需要 Bearer token
	Online bool   // 是否要求车辆在线
}

// 逻辑操作名称
const (
	EndpointStatus                    = "STATUS"
	EndpointUser                      = "USER"
	EndpointProductList               = "PRODUCT_LIST"
	EndpointVehicleList               = "VEHICLE_LIST"
	EndpointVehicleSummary            = "VEHICLE_SUMMARY"
	EndpointVehicleData               = "VEHICLE_DATA"
	EndpointVehicleServiceData        = "VEHICLE_SERVICE_DATA"
	EndpointNearbyChargingSites       = "NEARBY_CHARGING_SITES"
	EndpointWakeUp                    = "WAKE_UP"
	EndpointUnlock                    = "UNLOCK"
	EndpointLock                      = "LOCK"
	EndpointHonkHorn                  = "HONK_HORN"
	EndpointFlashLights               = "FLASH_LIGHTS"
	EndpointClimateOn                 = "CLIMATE_ON"
	EndpointClimateOff                = "CLIMATE_OFF"
	EndpointMaxDefrost                = "MAX_DEFROST"
	EndpointSetTemps                  = "CHANGE_CLIMATE_TEMPERATURE_SETTING"
	EndpointSetChargeLimit            = "CHANGE_CHARGE_LIMIT"
	EndpointSunroof                   = "CHANGE_SUNROOF_STATE"
	EndpointWindowControl             = "WINDOW_CONTROL"
	EndpointActuateTrunk              = "ACTUATE_TRUNK"
	EndpointRemoteStart               = "REMOTE_START"
	EndpointTriggerHomelink           = "TRIGGER_HOMELINK"
	EndpointChargePortDoorOpen        = "CHARGE_PORT_DOOR_OPEN"
	EndpointChargePortDoorClose       = "CHARGE_PORT_DOOR_CLOSE"
	EndpointStartCharge               = "START_CHARGE"
	EndpointStopCharge                = "STOP_CHARGE"
	EndpointMediaTogglePlayback       = "MEDIA_TOGGLE_PLAYBACK"
	EndpointMediaNextTrack            = "MEDIA_NEXT_TRACK"
	EndpointMediaPrevTrack            = "MEDIA_PREVIOUS_TRACK"
	EndpointMediaVolumeUp             = "MEDIA_VOLUME_UP"
	EndpointMediaVolumeDown           = "MEDIA_VOLUME_DOWN"
	EndpointSetValetMode              = "SET_VALET_MODE"
	EndpointResetValetPin             = "RESET_VALET_PIN"
	EndpointSpeedLimitActivate        = "SPEED_LIMIT_ACTIVATE"
	EndpointSpeedLimitDeactivate      = "SPEED_LIMIT_DEACTIVATE"
	EndpointSpeedLimitSetLimit        = "SPEED_LIMIT_SET_LIMIT"
	EndpointSpeedLimitClearPin        = "SPEED_LIMIT_CLEAR_PIN"
	EndpointScheduleSoftwareUpdate    = "SCHEDULE_SOFTWARE_UPDATE"
	EndpointCancelSoftwareUpdate      = "CANCEL_SOFTWARE_UPDATE"
	EndpointSetSentryMode             = "SET_SENTRY_MODE"
	EndpointRemoteSeatHeater          = "REMOTE_SEAT_HEATER_REQUEST"
	EndpointRemoteSteeringWheelHeater = "REMOTE_STEERING_WHEEL_HEATER_REQUEST"
)

func get(name, uri string, online bool) Endpoint {
	return Endpoint{Name: name, Method: http.MethodGet, URI: uri, Auth: true, Online: online}
}

func post(name, uri string, online bool) Endpoint {
	return Endpoint{Name: name, Method: http.MethodPost, URI: uri, Auth: true, Online: online}
}

func command(name, cmd string) Endpoint {
	return post(name, "api/1/vehicles/{vehicle_id}/command/"+cmd, true)
}

// Endpoints 能力表：哪些逻辑操作存在、用什么方法、是否需要在线
var Endpoints = map[string]Endpoint{
	EndpointStatus:              {Name: EndpointStatus, Method: http.MethodGet, URI: "status"},
	EndpointUser:                get(EndpointUser, "api/1/users/me", false),
	EndpointProductList:         get(EndpointProductList, "api/1/products", false),
	EndpointVehicleList:         get(EndpointVehicleList, "api/1/vehicles", false),
	EndpointVehicleSummary:      get(EndpointVehicleSummary, "api/1/vehicles/{vehicle_id}", false),
	EndpointVehicleData:         get(EndpointVehicleData, "api/1/vehicles/{vehicle_id}/vehicle_data", true),
	EndpointVehicleServiceData:  get(EndpointVehicleServiceData, "api/1/vehicles/{vehicle_id}/service_data", false),
	EndpointNearbyChargingSites: get(EndpointNearbyChargingSites, "api/1/vehicles/{vehicle_id}/nearby_charging_sites", true),
	EndpointWakeUp:              post(EndpointWakeUp, "api/1/vehicles/{vehicle_id}/wake_up", false),

	EndpointUnlock:                    command(EndpointUnlock, "door_unlock"),
	EndpointLock:                      command(EndpointLock, "door_lock"),
	EndpointHonkHorn:                  command(EndpointHonkHorn, "honk_horn"),
	EndpointFlashLights:               command(EndpointFlashLights, "flash_lights"),
	EndpointClimateOn:                 command(EndpointClimateOn, "auto_conditioning_start"),
	EndpointClimateOff:                command(EndpointClimateOff, "auto_conditioning_stop"),
	EndpointMaxDefrost:                command(EndpointMaxDefrost, "set_preconditioning_max"),
	EndpointSetTemps:                  command(EndpointSetTemps, "set_temps"),
	EndpointSetChargeLimit:            command(EndpointSetChargeLimit, "set_charge_limit"),
	EndpointSunroof:                   command(EndpointSunroof, "sun_roof_control"),
	EndpointWindowControl:             command(EndpointWindowControl, "window_control"),
	EndpointActuateTrunk:              command(EndpointActuateTrunk, "actuate_trunk"),
	EndpointRemoteStart:               command(EndpointRemoteStart, "remote_start_drive"),
	EndpointTriggerHomelink:           command(EndpointTriggerHomelink, "trigger_homelink"),
	EndpointChargePortDoorOpen:        command(EndpointChargePortDoorOpen, "charge_port_door_open"),
	EndpointChargePortDoorClose:       command(EndpointChargePortDoorClose, "charge_port_door_close"),
	EndpointStartCharge:               command(EndpointStartCharge, "charge_start"),
	EndpointStopCharge:                command(EndpointStopCharge, "charge_stop"),
	EndpointMediaTogglePlayback:       command(EndpointMediaTogglePlayback, "media_toggle_playback"),
	EndpointMediaNextTrack:            command(EndpointMediaNextTrack, "media_next_track"),
	EndpointMediaPrevTrack:            command(EndpointMediaPrevTrack, "media_prev_track"),
	EndpointMediaVolumeUp:             command(EndpointMediaVolumeUp, "media_volume_up"),
	EndpointMediaVolumeDown:           command(EndpointMediaVolumeDown, "media_volume_down"),
	EndpointSetValetMode:              command(EndpointSetValetMode, "set_valet_mode"),
	EndpointResetValetPin:             command(EndpointResetValetPin, "reset_valet_pin"),
	EndpointSpeedLimitActivate:        command(EndpointSpeedLimitActivate, "speed_limit_activate"),
	EndpointSpeedLimitDeactivate:      command(EndpointSpeedLimitDeactivate, "speed_limit_deactivate"),
	EndpointSpeedLimitSetLimit:        command(EndpointSpeedLimitSetLimit, "speed_limit_set_limit"),
	EndpointSpeedLimitClearPin:        command(EndpointSpeedLimitClearPin, "speed_limit_clear_pin"),
	EndpointScheduleSoftwareUpdate:    command(EndpointScheduleSoftwareUpdate, "schedule_software_update"),
	EndpointCancelSoftwareUpdate:      command(EndpointCancelSoftwareUpdate, "cancel_software_update"),
	EndpointSetSentryMode:             command(EndpointSetSentryMode, "set_sentry_mode"),
	EndpointRemoteSeatHeater:          command(EndpointRemoteSeatHeater, "remote_seat_heater_request"),
	EndpointRemoteSteeringWheelHeater: command(EndpointRemoteSteeringWheelHeater, "remote_steering_wheel_heater_request"),
}

// ErrUnknownEndpoint 能力表中没有该操作
var ErrUnknownEndpoint = errors.New("unknown endpoint")

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Path 展开 URI 模板，返回以 / 开头的路径
func (e Endpoint) Path(params map[string]string) (string, error) {
	var missing []string
	path := placeholderRe.ReplaceAllStringFunc(e.URI, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := params[key]
		if !ok || v == "" {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("endpoint %s: missing parameters %v", e.Name, missing)
	}
	return "/" + path, nil
}

// LookupEndpoint 按名称查找能力表
func LookupEndpoint(name string) (Endpoint, error) {
	ep, ok := Endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w %q", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// EndpointNames 返回排序后的全部操作名
func EndpointNames() []string {
	names := make([]string, 0, len(Endpoints))
	for name := range Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
