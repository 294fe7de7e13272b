// Package catalog lists the data identifiers the service reads and writes.
package catalog

import "sort"

// Identifier names one vehicle data point.
type Identifier struct {
	ID       uint16
	Name     string
	Group    string
	Writable bool
}

// Groups.
const (
	GroupSystem  = "system"
	GroupEngine  = "engine"
	GroupBattery = "battery"
	GroupDoors   = "doors"
)

// Well-known system identifiers.
const (
	VIN                     uint16 = 0xF190
	FlashSoftwareVersion    uint16 = 0xF1AD
	MCUSoftwareVersion      uint16 = 0x1010
	ECUSerialNumber         uint16 = 0xF17F
	SystemNameOrEngineType  uint16 = 0xF187
	SupplierHardwareNumber  uint16 = 0xF18C
	SupplierSoftwareNumber  uint16 = 0xF1A0
	SupplierHardwareVersion uint16 = 0xF1A1
	SupplierSoftwareVersion uint16 = 0xF1A2
	ManufacturingDate       uint16 = 0xF1A4
	CodingConfigPartNumber  uint16 = 0xF1A5
	CalibrationID           uint16 = 0xF1A8
	CalibrationVerification uint16 = 0xF1A9
	BootSoftwareID          uint16 = 0xF1AA
	ApplicationSoftwareID   uint16 = 0xF1AB
	DataSetID               uint16 = 0xF1AC
)

var all = []Identifier{
	{MCUSoftwareVersion, "mcu_software_version", GroupSystem, false},
	{VIN, "vin", GroupSystem, false},
	{ECUSerialNumber, "ecu_serial_number", GroupSystem, false},
	{SystemNameOrEngineType, "system_name", GroupSystem, false},
	{SupplierHardwareNumber, "supplier_hardware_number", GroupSystem, false},
	{SupplierSoftwareNumber, "supplier_software_number", GroupSystem, false},
	{SupplierHardwareVersion, "supplier_hardware_version", GroupSystem, false},
	{SupplierSoftwareVersion, "supplier_software_version", GroupSystem, false},
	{ManufacturingDate, "manufacturing_date", GroupSystem, false},
	{CodingConfigPartNumber, "coding_configuration_part_number", GroupSystem, false},
	{CalibrationID, "calibration_id", GroupSystem, false},
	{CalibrationVerification, "calibration_verification_number", GroupSystem, false},
	{BootSoftwareID, "boot_software_id", GroupSystem, false},
	{ApplicationSoftwareID, "application_software_id", GroupSystem, false},
	{DataSetID, "data_set_id", GroupSystem, false},
	{FlashSoftwareVersion, "flash_software_version", GroupSystem, false},

	{0x0100, "engine_rpm", GroupEngine, false},
	{0x010C, "coolant_temperature", GroupEngine, false},
	{0x0110, "throttle_position", GroupEngine, false},
	{0x0114, "vehicle_speed", GroupEngine, false},
	{0x011C, "engine_load", GroupEngine, false},
	{0x0120, "fuel_level", GroupEngine, false},
	{0x0124, "oil_temperature", GroupEngine, false},
	{0x012C, "fuel_pressure", GroupEngine, false},
	{0x0130, "intake_air_temperature", GroupEngine, false},
	{0x0134, "mass_air_flow", GroupEngine, false},
	{0x0140, "ambient_air_temperature", GroupEngine, false},

	{0x01A0, "battery_level", GroupBattery, true},
	{0x01B0, "voltage", GroupBattery, true},
	{0x01C0, "percentage", GroupBattery, true},
	{0x01D0, "state_of_charge", GroupBattery, true},
	{0x01E0, "temperature", GroupBattery, true},
	{0x01F0, "life_cycle", GroupBattery, true},
	{0x02A0, "fully_charged", GroupBattery, true},
	{0x02B0, "range_battery", GroupBattery, true},
	{0x02C0, "charging_time", GroupBattery, true},
	{0x02D0, "device_consumption", GroupBattery, true},

	{0x03A0, "door", GroupDoors, true},
	{0x03B0, "passenger", GroupDoors, true},
	{0x03C0, "passenger_lock", GroupDoors, true},
	{0x03D0, "driver", GroupDoors, true},
	{0x03E0, "ajar", GroupDoors, false},
}

var (
	byName  = make(map[string]Identifier, len(all))
	byGroup = make(map[string][]Identifier)
)

func init() {
	for _, id := range all {
		byName[id.Group+"."+id.Name] = id
		byGroup[id.Group] = append(byGroup[id.Group], id)
	}
}

// Group returns the identifiers of group g in catalog order.
func Group(g string) []Identifier {
	return append([]Identifier(nil), byGroup[g]...)
}

// Lookup finds an identifier of group g by name.
func Lookup(g, name string) (Identifier, bool) {
	id, ok := byName[g+"."+name]
	return id, ok
}

// Groups returns the group names, sorted.
func Groups() []string {
	out := make([]string, 0, len(byGroup))
	for g := range byGroup {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
