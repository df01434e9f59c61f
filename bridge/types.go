// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge exposes a small set of BACnet stack operations behind an
// isolation boundary: every entry point invokes the underlying protocol
// stack under bridge/guard, so a stack that aborts or faults mid-call is
// reported as an ordinary failure value instead of taking the process down.
package bridge

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput       ObjectType = 0
	ObjectTypeAnalogOutput      ObjectType = 1
	ObjectTypeAnalogValue       ObjectType = 2
	ObjectTypeBinaryInput       ObjectType = 3
	ObjectTypeBinaryOutput      ObjectType = 4
	ObjectTypeBinaryValue       ObjectType = 5
	ObjectTypeCalendar          ObjectType = 6
	ObjectTypeDevice            ObjectType = 8
	ObjectTypeFile              ObjectType = 10
	ObjectTypeLoop              ObjectType = 12
	ObjectTypeMultiStateInput   ObjectType = 13
	ObjectTypeMultiStateOutput  ObjectType = 14
	ObjectTypeNotificationClass ObjectType = 15
	ObjectTypeProgram           ObjectType = 16
	ObjectTypeSchedule          ObjectType = 17
	ObjectTypeMultiStateValue   ObjectType = 19
	ObjectTypeTrendLog          ObjectType = 20
)

func (o ObjectType) String() string {
	names := map[ObjectType]string{
		ObjectTypeAnalogInput:       "analog-input",
		ObjectTypeAnalogOutput:      "analog-output",
		ObjectTypeAnalogValue:       "analog-value",
		ObjectTypeBinaryInput:       "binary-input",
		ObjectTypeBinaryOutput:      "binary-output",
		ObjectTypeBinaryValue:       "binary-value",
		ObjectTypeCalendar:          "calendar",
		ObjectTypeDevice:            "device",
		ObjectTypeFile:              "file",
		ObjectTypeLoop:              "loop",
		ObjectTypeMultiStateInput:   "multi-state-input",
		ObjectTypeMultiStateOutput:  "multi-state-output",
		ObjectTypeNotificationClass: "notification-class",
		ObjectTypeProgram:           "program",
		ObjectTypeSchedule:          "schedule",
		ObjectTypeMultiStateValue:   "multi-state-value",
		ObjectTypeTrendLog:          "trend-log",
	}
	if name, ok := names[o]; ok {
		return name
	}
	return fmt.Sprintf("object-type(%d)", o)
}

// ParseObjectType parses a string to ObjectType
func ParseObjectType(s string) (ObjectType, bool) {
	types := map[string]ObjectType{
		"analog-input":       ObjectTypeAnalogInput,
		"ai":                 ObjectTypeAnalogInput,
		"analog-output":      ObjectTypeAnalogOutput,
		"ao":                 ObjectTypeAnalogOutput,
		"analog-value":       ObjectTypeAnalogValue,
		"av":                 ObjectTypeAnalogValue,
		"binary-input":       ObjectTypeBinaryInput,
		"bi":                 ObjectTypeBinaryInput,
		"binary-output":      ObjectTypeBinaryOutput,
		"bo":                 ObjectTypeBinaryOutput,
		"binary-value":       ObjectTypeBinaryValue,
		"bv":                 ObjectTypeBinaryValue,
		"device":             ObjectTypeDevice,
		"dev":                ObjectTypeDevice,
		"file":               ObjectTypeFile,
		"loop":               ObjectTypeLoop,
		"multi-state-input":  ObjectTypeMultiStateInput,
		"msi":                ObjectTypeMultiStateInput,
		"multi-state-output": ObjectTypeMultiStateOutput,
		"mso":                ObjectTypeMultiStateOutput,
		"multi-state-value":  ObjectTypeMultiStateValue,
		"msv":                ObjectTypeMultiStateValue,
		"notification-class": ObjectTypeNotificationClass,
		"nc":                 ObjectTypeNotificationClass,
		"program":            ObjectTypeProgram,
		"prg":                ObjectTypeProgram,
		"schedule":           ObjectTypeSchedule,
		"sch":                ObjectTypeSchedule,
		"trend-log":          ObjectTypeTrendLog,
		"tl":                 ObjectTypeTrendLog,
		"calendar":           ObjectTypeCalendar,
		"cal":                ObjectTypeCalendar,
	}
	if t, ok := types[s]; ok {
		return t, true
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyDescription                PropertyIdentifier = 28
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyModelName                  PropertyIdentifier = 70
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyReliability                PropertyIdentifier = 103
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyLogBuffer                  PropertyIdentifier = 131
	PropertyRecordCount                PropertyIdentifier = 141
	PropertyTotalRecordCount           PropertyIdentifier = 145
)

func (p PropertyIdentifier) String() string {
	names := map[PropertyIdentifier]string{
		PropertyApplicationSoftwareVersion: "application-software-version",
		PropertyDescription:                "description",
		PropertyFirmwareRevision:           "firmware-revision",
		PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
		PropertyModelName:                  "model-name",
		PropertyObjectIdentifier:           "object-identifier",
		PropertyObjectList:                 "object-list",
		PropertyObjectName:                 "object-name",
		PropertyObjectType:                 "object-type",
		PropertyOutOfService:               "out-of-service",
		PropertyPresentValue:               "present-value",
		PropertyPriorityArray:              "priority-array",
		PropertyReliability:                "reliability",
		PropertyStatusFlags:                "status-flags",
		PropertySystemStatus:               "system-status",
		PropertyUnits:                      "units",
		PropertyVendorIdentifier:           "vendor-identifier",
		PropertyVendorName:                 "vendor-name",
		PropertyLogBuffer:                  "log-buffer",
		PropertyRecordCount:                "record-count",
		PropertyTotalRecordCount:           "total-record-count",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

// ParsePropertyIdentifier parses a string to PropertyIdentifier
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	props := map[string]PropertyIdentifier{
		"application-software-version": PropertyApplicationSoftwareVersion,
		"description":                  PropertyDescription,
		"firmware-revision":            PropertyFirmwareRevision,
		"max-apdu-length-accepted":     PropertyMaxApduLengthAccepted,
		"model-name":                   PropertyModelName,
		"object-identifier":            PropertyObjectIdentifier,
		"object-list":                  PropertyObjectList,
		"object-name":                  PropertyObjectName,
		"object-type":                  PropertyObjectType,
		"out-of-service":               PropertyOutOfService,
		"present-value":                PropertyPresentValue,
		"pv":                           PropertyPresentValue,
		"priority-array":               PropertyPriorityArray,
		"reliability":                  PropertyReliability,
		"status-flags":                 PropertyStatusFlags,
		"system-status":                PropertySystemStatus,
		"units":                        PropertyUnits,
		"vendor-identifier":            PropertyVendorIdentifier,
		"vendor-name":                  PropertyVendorName,
		"log-buffer":                   PropertyLogBuffer,
		"record-count":                 PropertyRecordCount,
		"total-record-count":           PropertyTotalRecordCount,
	}
	if p, ok := props[s]; ok {
		return p, true
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return PropertyIdentifier(n), true
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode encodes the object identifier to a 4-byte value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & 0x3FFFFF)
}

// DecodeObjectIdentifier decodes a 4-byte value to an ObjectIdentifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & 0x3FFFFF,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// ParseObjectIdentifier parses "type:instance" (e.g. "analog-input:1")
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ObjectIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidObjectSpec, s)
	}
	objType, ok := ParseObjectType(parts[0])
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("%w: %q", ErrUnknownObjectType, parts[0])
	}
	instance, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ObjectIdentifier{}, fmt.Errorf("%w: instance %q", ErrInvalidObjectSpec, parts[1])
	}
	return NewObjectIdentifier(objType, uint32(instance)), nil
}

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

// Address represents a BACnet address: network number plus a MAC. For
// BACnet/IP the MAC is 6 bytes, IPv4 address and UDP port.
type Address struct {
	Net  uint16
	Addr []byte
}

func (a Address) String() string {
	if a.Net == 0 && len(a.Addr) == 6 {
		return fmt.Sprintf("%d.%d.%d.%d:%d",
			a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3],
			uint16(a.Addr[4])<<8|uint16(a.Addr[5]))
	}
	return fmt.Sprintf("net %d mac %x", a.Net, a.Addr)
}

// PropertyWrite is one property assignment within a write-access descriptor
type PropertyWrite struct {
	Property   PropertyIdentifier
	ArrayIndex *uint32
	Value      any
	Priority   uint8 // 1-16, 0 for no priority
}

// WriteAccess groups the property writes destined for one object
type WriteAccess struct {
	Object ObjectIdentifier
	Writes []PropertyWrite
}

// WriteAccessData is the descriptor for a WritePropertyMultiple request:
// one or more objects, each with one or more property assignments.
type WriteAccessData []WriteAccess

// RangeRequestType selects how a ReadRange request bounds the records
type RangeRequestType uint8

const (
	// RangeAll requests every record the object holds
	RangeAll RangeRequestType = iota
	// RangeByPosition requests Count records starting at a 1-based index
	RangeByPosition
	// RangeBySequence requests Count records starting at a sequence number
	RangeBySequence
)

// ReadRangeData is the descriptor for a ReadRange request
type ReadRangeData struct {
	Object      ObjectIdentifier
	Property    PropertyIdentifier
	ArrayIndex  *uint32
	RequestType RangeRequestType
	Position    uint32 // 1-based, RangeByPosition only
	Sequence    uint32 // RangeBySequence only
	Count       int32  // negative reads backwards
}
