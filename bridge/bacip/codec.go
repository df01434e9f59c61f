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

package bacip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
)

// Codec errors
var (
	ErrTruncatedBVLC    = errors.New("bacip: truncated BVLC header")
	ErrTruncatedNPDU    = errors.New("bacip: truncated NPDU")
	ErrTruncatedAPDU    = errors.New("bacip: truncated APDU")
	ErrUnsupportedValue = errors.New("bacip: unsupported property value type")
)

// bvlcTypeBACnetIP is the BVLL type octet for Annex J BACnet/IP
const bvlcTypeBACnetIP = 0x81

// BVLCFunction identifies a BACnet Virtual Link Control function
type BVLCFunction uint8

const (
	BVLCResult                BVLCFunction = 0x00
	BVLCForwardedNPDU         BVLCFunction = 0x04
	BVLCOriginalUnicastNPDU   BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU BVLCFunction = 0x0B
)

// BVLC is a decoded BACnet Virtual Link Control header
type BVLC struct {
	Function BVLCFunction
	Length   uint16
}

// AppendBVLC appends a BVLC header for an NPDU of the given length
func AppendBVLC(dst []byte, fn BVLCFunction, npduLen int) []byte {
	dst = append(dst, bvlcTypeBACnetIP, byte(fn))
	return binary.BigEndian.AppendUint16(dst, uint16(4+npduLen))
}

// DecodeBVLC decodes the 4-byte BVLC header at the start of a datagram
func DecodeBVLC(data []byte) (BVLC, error) {
	if len(data) < 4 || data[0] != bvlcTypeBACnetIP {
		return BVLC{}, ErrTruncatedBVLC
	}
	return BVLC{
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// NPDU control octet flags
const (
	npduControlNetworkMessage = 0x80
	npduControlDestSpecifier  = 0x20
	npduControlSrcSpecifier   = 0x08
	npduControlExpectingReply = 0x04
)

// NPDU is a decoded network layer header. Data holds the APDU that
// follows it.
type NPDU struct {
	Control        uint8
	DestNet        uint16
	DestAddr       []byte
	HopCount       uint8
	SrcNet         uint16
	SrcAddr        []byte
	NetworkMessage bool
	MessageType    uint8
	Data           []byte
}

// ExpectingReply reports whether the sender expects a reply
func (n NPDU) ExpectingReply() bool {
	return n.Control&npduControlExpectingReply != 0
}

// AppendNPDU appends a local (non-routed) NPDU header
func AppendNPDU(dst []byte, expectingReply bool) []byte {
	control := byte(0)
	if expectingReply {
		control = npduControlExpectingReply
	}
	return append(dst, 0x01, control)
}

// AppendNPDUWithDest appends an NPDU header routed to a remote network
func AppendNPDUWithDest(dst []byte, destNet uint16, destAddr []byte, hopCount uint8, expectingReply bool) []byte {
	control := byte(npduControlDestSpecifier)
	if expectingReply {
		control |= npduControlExpectingReply
	}
	dst = append(dst, 0x01, control)
	dst = binary.BigEndian.AppendUint16(dst, destNet)
	dst = append(dst, byte(len(destAddr)))
	dst = append(dst, destAddr...)
	return append(dst, hopCount)
}

// DecodeNPDU decodes an NPDU header and returns it together with the
// number of header bytes consumed.
func DecodeNPDU(data []byte) (NPDU, int, error) {
	if len(data) < 2 {
		return NPDU{}, 0, ErrTruncatedNPDU
	}
	if data[0] != 0x01 {
		return NPDU{}, 0, fmt.Errorf("%w: protocol version %d", ErrTruncatedNPDU, data[0])
	}

	npdu := NPDU{Control: data[1]}
	offset := 2

	if npdu.Control&npduControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return NPDU{}, 0, ErrTruncatedNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		addrLen := int(data[offset+2])
		offset += 3
		if len(data) < offset+addrLen+1 {
			return NPDU{}, 0, ErrTruncatedNPDU
		}
		npdu.DestAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
		npdu.HopCount = data[offset]
		offset++
	}

	if npdu.Control&npduControlSrcSpecifier != 0 {
		if len(data) < offset+3 {
			return NPDU{}, 0, ErrTruncatedNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		addrLen := int(data[offset+2])
		offset += 3
		if len(data) < offset+addrLen {
			return NPDU{}, 0, ErrTruncatedNPDU
		}
		npdu.SrcAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
	}

	if npdu.Control&npduControlNetworkMessage != 0 {
		if len(data) < offset+1 {
			return NPDU{}, 0, ErrTruncatedNPDU
		}
		npdu.NetworkMessage = true
		npdu.MessageType = data[offset]
		offset++
		if npdu.MessageType >= 0x80 {
			// Vendor-specific messages carry a vendor ID
			if len(data) < offset+2 {
				return NPDU{}, 0, ErrTruncatedNPDU
			}
			offset += 2
		}
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}

// PDUType identifies the APDU kind
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// ConfirmedService is a confirmed service choice
type ConfirmedService uint8

const (
	ServiceReadProperty          ConfirmedService = 12
	ServiceWriteProperty         ConfirmedService = 15
	ServiceWritePropertyMultiple ConfirmedService = 16
	ServiceReadRange             ConfirmedService = 26
)

// UnconfirmedService is an unconfirmed service choice
type UnconfirmedService uint8

const (
	ServiceIAm   UnconfirmedService = 0
	ServiceWhoIs UnconfirmedService = 8
)

// APDU is a decoded application layer unit. For Reject and Abort the
// Service field carries the reason code.
type APDU struct {
	Type     PDUType
	InvokeID uint8
	Service  uint8
	Data     []byte
}

// Segmentation is deliberately not negotiated: the bridge only sends
// unsegmented requests, so maxSegments is "unspecified" and maxAPDU
// advertises 1476 octets.
const (
	maxSegmentsUnspecified = 0x00
	maxAPDU1476            = 0x05
)

// AppendConfirmedRequest appends a confirmed request APDU header and body
func AppendConfirmedRequest(dst []byte, invokeID uint8, service ConfirmedService, body []byte) []byte {
	dst = append(dst,
		byte(PDUTypeConfirmedRequest),
		(maxSegmentsUnspecified<<4)|maxAPDU1476,
		invokeID,
		byte(service),
	)
	return append(dst, body...)
}

// AppendUnconfirmedRequest appends an unconfirmed request APDU header and body
func AppendUnconfirmedRequest(dst []byte, service UnconfirmedService, body []byte) []byte {
	dst = append(dst, byte(PDUTypeUnconfirmedRequest), byte(service))
	return append(dst, body...)
}

// DecodeAPDU decodes the fixed part of an APDU
func DecodeAPDU(data []byte) (APDU, error) {
	if len(data) < 2 {
		return APDU{}, ErrTruncatedAPDU
	}

	apdu := APDU{Type: PDUType(data[0] & 0xF0)}

	switch apdu.Type {
	case PDUTypeConfirmedRequest:
		if len(data) < 4 {
			return APDU{}, ErrTruncatedAPDU
		}
		apdu.InvokeID = data[2]
		apdu.Service = data[3]
		apdu.Data = data[4:]
		if data[0]&0x08 != 0 {
			// Segmented request: sequence number and window precede the body
			if len(data) < 6 {
				return APDU{}, ErrTruncatedAPDU
			}
			apdu.Data = data[6:]
		}

	case PDUTypeUnconfirmedRequest:
		apdu.Service = data[1]
		apdu.Data = data[2:]

	case PDUTypeSimpleAck, PDUTypeError, PDUTypeReject, PDUTypeAbort:
		if len(data) < 3 {
			return APDU{}, ErrTruncatedAPDU
		}
		apdu.InvokeID = data[1]
		apdu.Service = data[2]
		apdu.Data = data[3:]

	case PDUTypeComplexAck:
		if len(data) < 3 {
			return APDU{}, ErrTruncatedAPDU
		}
		apdu.InvokeID = data[1]
		apdu.Service = data[2]
		apdu.Data = data[3:]
		if data[0]&0x08 != 0 {
			if len(data) < 5 {
				return APDU{}, ErrTruncatedAPDU
			}
			apdu.Data = data[5:]
		}

	case PDUTypeSegmentAck:
		if len(data) < 4 {
			return APDU{}, ErrTruncatedAPDU
		}
		apdu.InvokeID = data[1]

	default:
		return APDU{}, fmt.Errorf("%w: unknown PDU type %#02x", ErrTruncatedAPDU, data[0]&0xF0)
	}

	return apdu, nil
}

// Tag encoding. BACnet tags are a 4-bit number, a class bit and a
// 3-bit length with extended forms for large values.

// TagClass distinguishes application from context-specific tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// Application tag numbers
const (
	tagNull            = 0
	tagBoolean         = 1
	tagUnsignedInt     = 2
	tagSignedInt       = 3
	tagReal            = 4
	tagDouble          = 5
	tagCharacterString = 7
	tagEnumerated      = 9
	tagObjectID        = 12
)

// AppendTag appends a tag header for content of the given length
func AppendTag(dst []byte, tagNum uint8, class TagClass, length int) []byte {
	classBit := uint8(class) << 3

	switch {
	case tagNum < 15 && length < 5:
		return append(dst, (tagNum<<4)|classBit|uint8(length))
	case tagNum < 15:
		dst = append(dst, (tagNum<<4)|classBit|0x05)
	default:
		dst = append(dst, 0xF0|classBit|min(uint8(length), 0x05))
		dst = append(dst, tagNum)
		if length < 5 {
			return dst
		}
	}

	switch {
	case length < 254:
		return append(dst, byte(length))
	case length < 65536:
		dst = append(dst, 254)
		return binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, 255)
		return binary.BigEndian.AppendUint32(dst, uint32(length))
	}
}

// AppendOpeningTag appends an opening tag for constructed data
func AppendOpeningTag(dst []byte, tagNum uint8) []byte {
	if tagNum < 15 {
		return append(dst, (tagNum<<4)|0x0E)
	}
	return append(dst, 0xFE, tagNum)
}

// AppendClosingTag appends a closing tag for constructed data
func AppendClosingTag(dst []byte, tagNum uint8) []byte {
	if tagNum < 15 {
		return append(dst, (tagNum<<4)|0x0F)
	}
	return append(dst, 0xFF, tagNum)
}

// appendUnsignedBytes appends the minimal big-endian encoding of v
func appendUnsignedBytes(dst []byte, v uint32) []byte {
	switch {
	case v < 0x100:
		return append(dst, byte(v))
	case v < 0x10000:
		return append(dst, byte(v>>8), byte(v))
	case v < 0x1000000:
		return append(dst, byte(v>>16), byte(v>>8), byte(v))
	default:
		return binary.BigEndian.AppendUint32(dst, v)
	}
}

// appendSignedBytes appends the minimal big-endian encoding of v
func appendSignedBytes(dst []byte, v int32) []byte {
	switch {
	case v >= -128 && v < 128:
		return append(dst, byte(v))
	case v >= -32768 && v < 32768:
		return append(dst, byte(v>>8), byte(v))
	case v >= -8388608 && v < 8388608:
		return append(dst, byte(v>>16), byte(v>>8), byte(v))
	default:
		return binary.BigEndian.AppendUint32(dst, uint32(v))
	}
}

func unsignedLen(v uint32) int {
	switch {
	case v < 0x100:
		return 1
	case v < 0x10000:
		return 2
	case v < 0x1000000:
		return 3
	default:
		return 4
	}
}

func signedLen(v int32) int {
	switch {
	case v >= -128 && v < 128:
		return 1
	case v >= -32768 && v < 32768:
		return 2
	case v >= -8388608 && v < 8388608:
		return 3
	default:
		return 4
	}
}

// AppendUnsigned appends an application-tagged unsigned integer
func AppendUnsigned(dst []byte, v uint32) []byte {
	dst = AppendTag(dst, tagUnsignedInt, TagClassApplication, unsignedLen(v))
	return appendUnsignedBytes(dst, v)
}

// AppendSigned appends an application-tagged signed integer
func AppendSigned(dst []byte, v int32) []byte {
	dst = AppendTag(dst, tagSignedInt, TagClassApplication, signedLen(v))
	return appendSignedBytes(dst, v)
}

// AppendReal appends an application-tagged 32-bit float
func AppendReal(dst []byte, v float32) []byte {
	dst = AppendTag(dst, tagReal, TagClassApplication, 4)
	return binary.BigEndian.AppendUint32(dst, math.Float32bits(v))
}

// AppendDouble appends an application-tagged 64-bit float
func AppendDouble(dst []byte, v float64) []byte {
	dst = AppendTag(dst, tagDouble, TagClassApplication, 8)
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
}

// AppendBoolean appends an application-tagged boolean. Booleans carry
// the value in the tag's length field.
func AppendBoolean(dst []byte, v bool) []byte {
	if v {
		return append(dst, (tagBoolean<<4)|0x01)
	}
	return append(dst, tagBoolean<<4)
}

// AppendEnumerated appends an application-tagged enumerated value
func AppendEnumerated(dst []byte, v uint32) []byte {
	dst = AppendTag(dst, tagEnumerated, TagClassApplication, unsignedLen(v))
	return appendUnsignedBytes(dst, v)
}

// AppendObjectID appends an application-tagged object identifier
func AppendObjectID(dst []byte, oid bridge.ObjectIdentifier) []byte {
	dst = AppendTag(dst, tagObjectID, TagClassApplication, 4)
	return binary.BigEndian.AppendUint32(dst, oid.Encode())
}

// AppendCharacterString appends an application-tagged UTF-8 string
func AppendCharacterString(dst []byte, s string) []byte {
	dst = AppendTag(dst, tagCharacterString, TagClassApplication, 1+len(s))
	dst = append(dst, 0) // character set 0 = UTF-8
	return append(dst, s...)
}

// AppendContextUnsigned appends a context-tagged unsigned integer
func AppendContextUnsigned(dst []byte, tagNum uint8, v uint32) []byte {
	dst = AppendTag(dst, tagNum, TagClassContext, unsignedLen(v))
	return appendUnsignedBytes(dst, v)
}

// AppendContextEnumerated appends a context-tagged enumerated value
func AppendContextEnumerated(dst []byte, tagNum uint8, v uint32) []byte {
	return AppendContextUnsigned(dst, tagNum, v)
}

// AppendContextObjectID appends a context-tagged object identifier
func AppendContextObjectID(dst []byte, tagNum uint8, oid bridge.ObjectIdentifier) []byte {
	dst = AppendTag(dst, tagNum, TagClassContext, 4)
	return binary.BigEndian.AppendUint32(dst, oid.Encode())
}

// AppendAppValue appends value with its application tag. The supported
// Go types mirror what property writes accept.
func AppendAppValue(dst []byte, value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(dst, tagNull<<4), nil
	case bool:
		return AppendBoolean(dst, v), nil
	case int:
		if v >= 0 {
			return AppendUnsigned(dst, uint32(v)), nil
		}
		return AppendSigned(dst, int32(v)), nil
	case int32:
		if v >= 0 {
			return AppendUnsigned(dst, uint32(v)), nil
		}
		return AppendSigned(dst, v), nil
	case uint32:
		return AppendUnsigned(dst, v), nil
	case float32:
		return AppendReal(dst, v), nil
	case float64:
		return AppendDouble(dst, v), nil
	case string:
		return AppendCharacterString(dst, v), nil
	case bridge.ObjectIdentifier:
		return AppendObjectID(dst, v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// TagHeader is a decoded tag header. Size counts the header octets;
// Length is the content length and is meaningless for opening and
// closing tags.
type TagHeader struct {
	Number  uint8
	Class   TagClass
	Length  int
	Size    int
	Opening bool
	Closing bool
}

// DecodeTagHeader decodes the tag header at the start of data
func DecodeTagHeader(data []byte) (TagHeader, error) {
	if len(data) < 1 {
		return TagHeader{}, ErrTruncatedAPDU
	}

	h := TagHeader{
		Number: data[0] >> 4,
		Class:  TagClass((data[0] >> 3) & 0x01),
		Length: int(data[0] & 0x07),
		Size:   1,
	}

	if h.Number == 0x0F {
		if len(data) < 2 {
			return TagHeader{}, ErrTruncatedAPDU
		}
		h.Number = data[1]
		h.Size = 2
	}

	if h.Class == TagClassContext {
		switch data[0] & 0x07 {
		case 0x06:
			h.Opening = true
			h.Length = 0
			return h, nil
		case 0x07:
			h.Closing = true
			h.Length = 0
			return h, nil
		}
	}

	if h.Length == 5 {
		// Extended length
		if len(data) < h.Size+1 {
			return TagHeader{}, ErrTruncatedAPDU
		}
		switch ext := data[h.Size]; {
		case ext < 254:
			h.Length = int(ext)
			h.Size++
		case ext == 254:
			if len(data) < h.Size+3 {
				return TagHeader{}, ErrTruncatedAPDU
			}
			h.Length = int(binary.BigEndian.Uint16(data[h.Size+1:]))
			h.Size += 3
		default:
			if len(data) < h.Size+5 {
				return TagHeader{}, ErrTruncatedAPDU
			}
			h.Length = int(binary.BigEndian.Uint32(data[h.Size+1:]))
			h.Size += 5
		}
	}

	return h, nil
}

// DecodeUnsigned decodes a 1 to 4 byte big-endian unsigned integer
func DecodeUnsigned(data []byte) uint32 {
	var v uint32
	if len(data) > 4 {
		return 0
	}
	for _, b := range data {
		v = v<<8 | uint32(b)
	}
	return v
}

// DecodeReal decodes a 4-byte float
func DecodeReal(data []byte) float32 {
	if len(data) != 4 {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data))
}

// DecodeCharacterString decodes a character string, skipping the
// character set octet
func DecodeCharacterString(data []byte) string {
	if len(data) < 1 {
		return ""
	}
	return string(data[1:])
}

// DecodeObjectID decodes a 4-byte object identifier
func DecodeObjectID(data []byte) bridge.ObjectIdentifier {
	if len(data) != 4 {
		return bridge.ObjectIdentifier{}
	}
	return bridge.DecodeObjectIdentifier(binary.BigEndian.Uint32(data))
}
