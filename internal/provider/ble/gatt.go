package ble

import (
	"encoding/binary"
	"fmt"
)

// Standard GATT service and characteristic UUIDs, plus the proprietary
// activity service most fitness bands expose for buffered history.
const (
	ServiceHeartRate  = "0000180d-0000-1000-8000-00805f9b34fb"
	CharHRMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	ServiceBattery   = "0000180f-0000-1000-8000-00805f9b34fb"
	CharBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"

	ServiceActivity  = "0000fee0-0000-1000-8000-00805f9b34fb"
	CharActivityData = "00000007-0000-3512-2118-0009af100700"
)

// hrFlag16Bit marks a 16-bit heart rate value in a HR Measurement payload.
const hrFlag16Bit = 0x01

// parseHeartRate decodes a Heart Rate Measurement characteristic payload
// (GATT 0x2A37): a flags byte followed by an 8- or 16-bit bpm value.
func parseHeartRate(payload []byte) (float64, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("heart rate payload too short: %d bytes", len(payload))
	}
	if payload[0]&hrFlag16Bit != 0 {
		if len(payload) < 3 {
			return 0, fmt.Errorf("16-bit heart rate payload too short: %d bytes", len(payload))
		}
		return float64(binary.LittleEndian.Uint16(payload[1:3])), nil
	}
	return float64(payload[1]), nil
}

// parseBatteryLevel decodes a Battery Level payload (GATT 0x2A19): one byte,
// 0-100 percent.
func parseBatteryLevel(payload []byte) (int, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("empty battery payload")
	}
	level := int(payload[0])
	if level > 100 {
		return 0, fmt.Errorf("battery level %d out of range", level)
	}
	return level, nil
}

// activityRecord is one decoded activity history entry.
type activityRecord struct {
	steps    float64
	meters   float64
	calories float64
}

// parseActivity decodes the proprietary activity characteristic payload:
// a reserved byte followed by three little-endian uint32 fields (steps,
// meters, kilocalories).
func parseActivity(payload []byte) (activityRecord, error) {
	if len(payload) < 13 {
		return activityRecord{}, fmt.Errorf("activity payload too short: %d bytes", len(payload))
	}
	return activityRecord{
		steps:    float64(binary.LittleEndian.Uint32(payload[1:5])),
		meters:   float64(binary.LittleEndian.Uint32(payload[5:9])),
		calories: float64(binary.LittleEndian.Uint32(payload[9:13])),
	}, nil
}
