package tesla

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/state"
)

// 车辆列表中已废弃、不再保存的字段
var legacyAttrs = map[string]bool{
	"option_codes":              true,
	"color":                     true,
	"backseat_token":            true,
	"backseat_token_updated_at": true,
}

// StateHook 车辆状态迁移回调
type StateHook func(vehicleID int64, from, to string)

// VehicleOption 车辆选项
type VehicleOption func(*Vehicle)

// WithStateHook 状态迁移时额外回调
func WithStateHook(fn StateHook) VehicleOption {
	return func(v *Vehicle) { v.hook = fn }
}

// Vehicle 单台车辆：缓存的属性快照加连接状态机
type Vehicle struct {
	client  *Client
	logger  *zap.Logger
	machine *state.Machine
	hook    StateHook

	mu          sync.RWMutex
	id          int64
	idS         string
	vehicleID   int64
	vin         string
	displayName string
	inService   bool
	tokens      []string
	attrs       map[string]interface{}
}

// NewVehicle 由车辆列表中的一项创建车辆
func NewVehicle(client *Client, details map[string]interface{}, opts ...VehicleOption) (*Vehicle, error) {
	v := &Vehicle{
		client:      client,
		displayName: "Tesla",
		attrs:       make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	derived := v.initFrom(details)
	if v.id == 0 || v.vehicleID == 0 {
		return nil, fmt.Errorf("vehicle details missing id or vehicle_id")
	}
	v.logger = client.logger.With(zap.Int64("vehicle_id", v.vehicleID))
	v.machine = state.NewMachine(v.vehicleID, derived, v.onStateChange)
	return v, nil
}

func (v *Vehicle) onStateChange(vehicleID int64, from, to string) {
	v.logger.Info("Vehicle state changed", zap.String("from", from), zap.String("to", to))
	if v.hook != nil {
		v.hook(vehicleID, from, to)
	}
}

// deriveState 根据上游 state 和 in_service 推导状态
func deriveState(upstream string, inService bool) string {
	if inService {
		return state.StateInService
	}
	if state.IsKnown(upstream) {
		return upstream
	}
	return state.StateUnknown
}

// initFrom 合并上游数据，返回推导出的状态
func (v *Vehicle) initFrom(details map[string]interface{}) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	upstream := ""
	for key, val := range details {
		if legacyAttrs[key] {
			continue
		}
		switch key {
		case "id":
			if n, ok := toInt64(val); ok {
				v.id = n
			}
		case "id_s":
			v.idS, _ = val.(string)
		case "vehicle_id":
			if n, ok := toInt64(val); ok {
				v.vehicleID = n
			}
		case "vin":
			v.vin, _ = val.(string)
		case "display_name":
			if s, ok := val.(string); ok && s != "" {
				v.displayName = s
			}
		case "in_service":
			v.inService, _ = val.(bool)
		case "state":
			upstream, _ = val.(string)
		case "tokens":
			v.tokens = v.tokens[:0]
			if list, ok := val.([]interface{}); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						v.tokens = append(v.tokens, s)
					}
				}
			}
		default:
			v.attrs[key] = val
		}
	}
	if v.idS == "" && v.id != 0 {
		v.idS = strconv.FormatInt(v.id, 10)
	}
	return deriveState(upstream, v.inService)
}

func toInt64(val interface{}) (int64, bool) {
	switch n := val.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// ID REST 接口使用的车辆 ID
func (v *Vehicle) ID() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.id
}

// VehicleID 流式接口使用的车辆 ID
func (v *Vehicle) VehicleID() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.vehicleID
}

// VIN 车架号
func (v *Vehicle) VIN() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.vin
}

// DisplayName 车辆名称
func (v *Vehicle) DisplayName() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.displayName
}

// InService 是否在维修中
func (v *Vehicle) InService() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.inService
}

// Token 车辆 token 列表中的第一个
func (v *Vehicle) Token() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.tokens) == 0 {
		return ""
	}
	return v.tokens[0]
}

// State 当前连接状态
func (v *Vehicle) State() string {
	return v.machine.Current()
}

// StateSince 进入当前状态的时间
func (v *Vehicle) StateSince() time.Time {
	return v.machine.Since()
}

// Client 所属 API 客户端
func (v *Vehicle) Client() *Client {
	return v.client
}

func (v *Vehicle) params() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return map[string]string{"vehicle_id": v.idS}
}

// WakeUp 唤醒车辆并等待数据返回
//
// 维修中的车辆直接返回 VehicleStateError，不发请求。失败时恢复之前的状态。
func (v *Vehicle) WakeUp(ctx context.Context) (map[string]interface{}, error) {
	if v.InService() {
		return nil, &VehicleStateError{Msg: "vehicle is in service", State: v.State()}
	}

	previous := v.State()
	if _, err := v.client.Call(ctx, EndpointWakeUp, v.params(), nil, 1); err != nil {
		return nil, err
	}
	if err := v.machine.Trigger(ctx, state.EventWakeUp); err != nil {
		return nil, err
	}

	data, err := v.Data(ctx)
	if err != nil {
		if serr := v.machine.Set(previous); serr != nil {
			v.logger.Error("Failed to restore vehicle state", zap.Error(serr))
		}
		return nil, err
	}
	return data, nil
}

// Data 拉取 vehicle_data 并合并到缓存
func (v *Vehicle) Data(ctx context.Context) (map[string]interface{}, error) {
	current := v.State()
	if current != state.StateOnline && current != state.StateWakeup {
		return nil, &VehicleStateError{Msg: "vehicle is not online", State: current}
	}

	// 唤醒过程中车辆可能还未就绪，给更多次数
	attempts := 3
	if current == state.StateWakeup {
		attempts = 20
	}

	env, err := v.client.Call(ctx, EndpointVehicleData, v.params(), nil, attempts)
	if err != nil {
		if IsStatus(err, 408) {
			msg := "vehicle is no longer online"
			if current == state.StateWakeup {
				msg = "could not wake up vehicle"
			}
			if terr := v.machine.Trigger(ctx, state.EventDataTimeout); terr != nil {
				v.logger.Error("Failed to demote vehicle state", zap.Error(terr))
			}
			return nil, &VehicleStateError{Msg: msg, State: current}
		}
		return nil, err
	}

	var details map[string]interface{}
	if err := env.Decode(&details); err != nil {
		return nil, &SessionError{Msg: "could not get a good response for data", Status: env.Status, Body: env.Response, Reason: err.Error()}
	}
	v.initFrom(details)
	if err := v.machine.Trigger(ctx, state.EventDataReceived); err != nil {
		return nil, err
	}
	return v.Dump(), nil
}

func (v *Vehicle) clearAttrs() {
	v.mu.Lock()
	v.attrs = make(map[string]interface{})
	v.tokens = nil
	v.inService = false
	v.mu.Unlock()
}

// Clear 清除所有非身份属性和车辆 token，状态重置为 unknown
func (v *Vehicle) Clear() {
	v.clearAttrs()
	if err := v.machine.Set(state.StateUnknown); err != nil {
		v.logger.Error("Failed to reset vehicle state", zap.Error(err))
	}
}

// Merge 合并车辆列表中的一项并按其重新推导状态
func (v *Vehicle) Merge(details map[string]interface{}) error {
	return v.machine.Set(v.initFrom(details))
}

// Refresh 软刷新：通过车辆列表更新状态，不唤醒车辆
//
// 缓存属性先被清空，状态直接迁移到列表推导出的状态，车辆不在列表中时为 unknown。
func (v *Vehicle) Refresh(ctx context.Context) error {
	v.clearAttrs()

	vehicles, err := v.client.ListVehicles(ctx)
	if err != nil {
		v.Clear()
		return err
	}
	want := v.VehicleID()
	for _, details := range vehicles {
		if id, ok := toInt64(details["vehicle_id"]); ok && id == want {
			return v.Merge(details)
		}
	}
	v.Clear()
	return &SessionError{Msg: "could not refresh vehicle, not found in vehicle list"}
}

// Attr 按 a.b.c 路径读取缓存属性
func (v *Vehicle) Attr(path string) (interface{}, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var cur interface{} = v.attrs
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// UserPresent 驾驶员是否在车内，known 为 false 表示还没有 vehicle_state 数据
func (v *Vehicle) UserPresent() (present, known bool) {
	val, ok := v.Attr("vehicle_state.is_user_present")
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// IsCharging 是否正在充电
func (v *Vehicle) IsCharging() bool {
	val, _ := v.Attr("charge_state.charging_state")
	return val == "Charging"
}

// Dump 身份字段、状态和缓存属性的快照
func (v *Vehicle) Dump() map[string]interface{} {
	cur := v.State()

	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]interface{}, len(v.attrs)+8)
	for k, val := range v.attrs {
		out[k] = val
	}
	out["id"] = v.id
	out["id_s"] = v.idS
	out["vehicle_id"] = v.vehicleID
	out["vin"] = v.vin
	out["display_name"] = v.displayName
	out["in_service"] = v.inService
	out["state"] = cur
	out["tokens"] = append([]string(nil), v.tokens...)
	return out
}

// VehicleData 缓存数据的强类型视图
func (v *Vehicle) VehicleData() (*VehicleData, error) {
	data, err := json.Marshal(v.Dump())
	if err != nil {
		return nil, fmt.Errorf("marshal vehicle: %w", err)
	}
	var vd VehicleData
	if err := json.Unmarshal(data, &vd); err != nil {
		return nil, fmt.Errorf("unmarshal vehicle data: %w", err)
	}
	return &vd, nil
}

// String 单行摘要，例如 Vehicle('Red Pill' state=online miles=12,345)
func (v *Vehicle) String() string {
	buf := []string{fmt.Sprintf("%q", v.DisplayName()), "state=" + v.State()}

	if v.InService() {
		buf = append(buf, "(In Service)")
	}
	buf = append(buf, fmt.Sprintf("id=%d", v.ID()))
	if present, known := v.UserPresent(); known && present {
		buf = append(buf, "user_present=true")
	}
	if val, ok := v.Attr("vehicle_state.sentry_mode"); ok && val == true {
		buf = append(buf, "sentry_mode=true")
	}
	if f, ok := v.number("vehicle_state.odometer"); ok {
		buf = append(buf, "miles="+humanize.Comma(int64(f)))
	}
	if val, ok := v.Attr("vehicle_state.car_version"); ok {
		if s, ok := val.(string); ok && s != "" {
			buf = append(buf, fmt.Sprintf("software=%q", strings.Fields(s)[0]))
		}
	}
	if f, ok := v.number("charge_state.battery_level"); ok {
		buf = append(buf, fmt.Sprintf("battery_level=%d", int64(f)))
	}
	if val, ok := v.Attr("charge_state.charging_state"); ok && val != nil && val != "Stopped" {
		buf = append(buf, fmt.Sprintf("charging_state=%v", val))
	}
	if f, ok := v.number("charge_state.time_to_full_charge"); ok && f > 0 {
		remaining := time.Duration(f * float64(time.Hour)).Round(time.Second)
		buf = append(buf, remaining.String()+" remaining")
	}
	if val, ok := v.Attr("drive_state.shift_state"); ok && val != nil {
		buf = append(buf, fmt.Sprintf("shift_state=%v", val))
	}
	if f, ok := v.number("drive_state.speed"); ok {
		buf = append(buf, fmt.Sprintf("speed=%d", int64(f)))
	}
	return "Vehicle(" + strings.Join(buf, " ") + ")"
}

func (v *Vehicle) number(path string) (float64, bool) {
	val, ok := v.Attr(path)
	if !ok {
		return 0, false
	}
	switch n := val.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Command 执行能力表中的车辆命令
func (v *Vehicle) Command(ctx context.Context, name string, body map[string]interface{}) (*Envelope, error) {
	ep, err := LookupEndpoint(name)
	if err != nil {
		return nil, err
	}
	if ep.Online {
		if cur := v.State(); cur != state.StateOnline {
			return nil, &VehicleStateError{Msg: fmt.Sprintf("%s requires the vehicle to be online", name), State: cur}
		}
	}
	var payload interface{}
	if body != nil {
		payload = body
	}
	return v.client.Call(ctx, name, v.params(), payload, 1)
}

// HonkHorn 鸣笛
func (v *Vehicle) HonkHorn(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointHonkHorn, nil)
}

// FlashLights 闪灯
func (v *Vehicle) FlashLights(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointFlashLights, nil)
}

// Lock 锁车
func (v *Vehicle) Lock(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointLock, nil)
}

// Unlock 解锁
func (v *Vehicle) Unlock(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointUnlock, nil)
}

// ActuateTrunk 开关前后备箱，which 为 front 或 rear
func (v *Vehicle) ActuateTrunk(ctx context.Context, which string) (*Envelope, error) {
	if which != "front" && which != "rear" {
		return nil, fmt.Errorf("which_trunk must be front or rear, not %q", which)
	}
	return v.Command(ctx, EndpointActuateTrunk, map[string]interface{}{"which_trunk": which})
}

// OpenTrunk 后备箱
func (v *Vehicle) OpenTrunk(ctx context.Context) (*Envelope, error) {
	return v.ActuateTrunk(ctx, "rear")
}

// OpenFrunk 前备箱
func (v *Vehicle) OpenFrunk(ctx context.Context) (*Envelope, error) {
	return v.ActuateTrunk(ctx, "front")
}

// StartCharge 开始充电，车辆休眠时上游返回 408
func (v *Vehicle) StartCharge(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointStartCharge, nil)
}

// StopCharge 停止充电
func (v *Vehicle) StopCharge(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointStopCharge, nil)
}

// SetChargeLimit 设置充电上限
func (v *Vehicle) SetChargeLimit(ctx context.Context, percent int) (*Envelope, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("charge limit must be between 0 and 100, not %d", percent)
	}
	return v.Command(ctx, EndpointSetChargeLimit, map[string]interface{}{"percent": percent})
}

// ClimateOn 开空调
func (v *Vehicle) ClimateOn(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointClimateOn, nil)
}

// ClimateOff 关空调
func (v *Vehicle) ClimateOff(ctx context.Context) (*Envelope, error) {
	return v.Command(ctx, EndpointClimateOff, nil)
}

// SetTemps 设置主副驾温度（摄氏度）
func (v *Vehicle) SetTemps(ctx context.Context, driver, passenger float64) (*Envelope, error) {
	return v.Command(ctx, EndpointSetTemps, map[string]interface{}{
		"driver_temp":    driver,
		"passenger_temp": passenger,
	})
}

// SetSentryMode 开关哨兵模式
func (v *Vehicle) SetSentryMode(ctx context.Context, on bool) (*Envelope, error) {
	return v.Command(ctx, EndpointSetSentryMode, map[string]interface{}{"on": on})
}
