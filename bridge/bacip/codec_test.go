package bacip_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/bacip"
)

func TestBVLCRoundTrip(t *testing.T) {
	frame := bacip.AppendBVLC(nil, bacip.BVLCOriginalUnicastNPDU, 20)
	if len(frame) != 4 {
		t.Fatalf("BVLC header = %d bytes, want 4", len(frame))
	}

	bvlc, err := bacip.DecodeBVLC(frame)
	if err != nil {
		t.Fatalf("DecodeBVLC: %v", err)
	}
	if bvlc.Function != bacip.BVLCOriginalUnicastNPDU {
		t.Errorf("function = %#02x, want %#02x", bvlc.Function, bacip.BVLCOriginalUnicastNPDU)
	}
	if bvlc.Length != 24 {
		t.Errorf("length = %d, want 24", bvlc.Length)
	}
}

func TestDecodeBVLCRejectsForeignTraffic(t *testing.T) {
	if _, err := bacip.DecodeBVLC([]byte{0x82, 0x0A, 0x00, 0x04}); err == nil {
		t.Error("accepted datagram with wrong BVLL type")
	}
	if _, err := bacip.DecodeBVLC([]byte{0x81, 0x0A}); err == nil {
		t.Error("accepted truncated header")
	}
}

func TestNPDULocalRoundTrip(t *testing.T) {
	apdu := []byte{0x10, 0x08}
	pdu := bacip.AppendNPDU(nil, true)
	pdu = append(pdu, apdu...)

	npdu, headerLen, err := bacip.DecodeNPDU(pdu)
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if headerLen != 2 {
		t.Errorf("header length = %d, want 2", headerLen)
	}
	if !npdu.ExpectingReply() {
		t.Error("ExpectingReply = false, want true")
	}
	if !bytes.Equal(npdu.Data, apdu) {
		t.Errorf("payload = % x, want % x", npdu.Data, apdu)
	}
}

func TestNPDURoutedRoundTrip(t *testing.T) {
	destAddr := []byte{0x0A, 0x00, 0x00, 0x01, 0xBA, 0xC0}
	pdu := bacip.AppendNPDUWithDest(nil, 0xFFFF, destAddr, 255, false)
	pdu = append(pdu, 0x10, 0x00)

	npdu, _, err := bacip.DecodeNPDU(pdu)
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if npdu.DestNet != 0xFFFF {
		t.Errorf("DestNet = %#04x, want 0xFFFF", npdu.DestNet)
	}
	if !bytes.Equal(npdu.DestAddr, destAddr) {
		t.Errorf("DestAddr = % x, want % x", npdu.DestAddr, destAddr)
	}
	if npdu.HopCount != 255 {
		t.Errorf("HopCount = %d, want 255", npdu.HopCount)
	}
	if npdu.ExpectingReply() {
		t.Error("ExpectingReply = true, want false")
	}
}

func TestBroadcastNPDUHasEmptyMAC(t *testing.T) {
	pdu := bacip.AppendNPDUWithDest(nil, 0xFFFF, nil, 255, false)
	npdu, _, err := bacip.DecodeNPDU(append(pdu, 0x10, 0x08))
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if len(npdu.DestAddr) != 0 {
		t.Errorf("broadcast DestAddr = % x, want empty", npdu.DestAddr)
	}
}

func TestConfirmedRequestRoundTrip(t *testing.T) {
	body := bacip.AppendContextObjectID(nil, 0, bridge.NewObjectIdentifier(bridge.ObjectTypeAnalogInput, 7))
	raw := bacip.AppendConfirmedRequest(nil, 42, bacip.ServiceReadProperty, body)

	apdu, err := bacip.DecodeAPDU(raw)
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	if apdu.Type != bacip.PDUTypeConfirmedRequest {
		t.Errorf("type = %#02x, want confirmed request", apdu.Type)
	}
	if apdu.InvokeID != 42 {
		t.Errorf("invoke ID = %d, want 42", apdu.InvokeID)
	}
	if apdu.Service != uint8(bacip.ServiceReadProperty) {
		t.Errorf("service = %d, want %d", apdu.Service, bacip.ServiceReadProperty)
	}
	if !bytes.Equal(apdu.Data, body) {
		t.Errorf("body = % x, want % x", apdu.Data, body)
	}
}

func TestUnconfirmedRequestRoundTrip(t *testing.T) {
	raw := bacip.AppendUnconfirmedRequest(nil, bacip.ServiceWhoIs, nil)

	apdu, err := bacip.DecodeAPDU(raw)
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	if apdu.Type != bacip.PDUTypeUnconfirmedRequest {
		t.Errorf("type = %#02x, want unconfirmed request", apdu.Type)
	}
	if apdu.Service != uint8(bacip.ServiceWhoIs) {
		t.Errorf("service = %d, want who-is", apdu.Service)
	}
	if len(apdu.Data) != 0 {
		t.Errorf("body = % x, want empty", apdu.Data)
	}
}

func TestDecodeAPDUReject(t *testing.T) {
	apdu, err := bacip.DecodeAPDU([]byte{0x60, 0x42, 0x05})
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	if apdu.Type != bacip.PDUTypeReject || apdu.InvokeID != 0x42 || apdu.Service != 5 {
		t.Errorf("got %+v, want reject for invoke 0x42 reason 5", apdu)
	}
}

func TestTagHeaderShortForm(t *testing.T) {
	raw := bacip.AppendTag(nil, 1, bacip.TagClassContext, 2)
	h, err := bacip.DecodeTagHeader(raw)
	if err != nil {
		t.Fatalf("DecodeTagHeader: %v", err)
	}
	if h.Number != 1 || h.Class != bacip.TagClassContext || h.Length != 2 || h.Size != 1 {
		t.Errorf("got %+v, want tag 1 context length 2 size 1", h)
	}
}

func TestTagHeaderExtendedLength(t *testing.T) {
	for _, length := range []int{5, 200, 300, 70000} {
		raw := bacip.AppendTag(nil, 7, bacip.TagClassApplication, length)
		h, err := bacip.DecodeTagHeader(raw)
		if err != nil {
			t.Fatalf("DecodeTagHeader(length %d): %v", length, err)
		}
		if h.Length != length {
			t.Errorf("length %d decoded as %d", length, h.Length)
		}
		if h.Size != len(raw) {
			t.Errorf("length %d: size = %d, want %d", length, h.Size, len(raw))
		}
	}
}

func TestOpeningClosingTags(t *testing.T) {
	open := bacip.AppendOpeningTag(nil, 3)
	h, err := bacip.DecodeTagHeader(open)
	if err != nil {
		t.Fatalf("DecodeTagHeader(opening): %v", err)
	}
	if !h.Opening || h.Number != 3 {
		t.Errorf("opening tag decoded as %+v", h)
	}

	closing := bacip.AppendClosingTag(nil, 3)
	h, err = bacip.DecodeTagHeader(closing)
	if err != nil {
		t.Fatalf("DecodeTagHeader(closing): %v", err)
	}
	if !h.Closing || h.Number != 3 {
		t.Errorf("closing tag decoded as %+v", h)
	}
}

func TestUnsignedRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 256, 65535, 65536, 1 << 24} {
		raw := bacip.AppendUnsigned(nil, v)
		h, err := bacip.DecodeTagHeader(raw)
		if err != nil {
			t.Fatalf("DecodeTagHeader(%d): %v", v, err)
		}
		if got := bacip.DecodeUnsigned(raw[h.Size : h.Size+h.Length]); got != v {
			t.Errorf("unsigned %d decoded as %d", v, got)
		}
	}
}

func TestRealRoundTrip(t *testing.T) {
	raw := bacip.AppendReal(nil, 72.5)
	h, err := bacip.DecodeTagHeader(raw)
	if err != nil {
		t.Fatalf("DecodeTagHeader: %v", err)
	}
	if got := bacip.DecodeReal(raw[h.Size : h.Size+h.Length]); got != 72.5 {
		t.Errorf("real 72.5 decoded as %g", got)
	}
}

func TestCharacterStringRoundTrip(t *testing.T) {
	raw := bacip.AppendCharacterString(nil, "Zone 4 Damper")
	h, err := bacip.DecodeTagHeader(raw)
	if err != nil {
		t.Fatalf("DecodeTagHeader: %v", err)
	}
	if got := bacip.DecodeCharacterString(raw[h.Size : h.Size+h.Length]); got != "Zone 4 Damper" {
		t.Errorf("string decoded as %q", got)
	}
}

func TestObjectIDRoundTrip(t *testing.T) {
	oid := bridge.NewObjectIdentifier(bridge.ObjectTypeTrendLog, 12345)
	raw := bacip.AppendObjectID(nil, oid)
	h, err := bacip.DecodeTagHeader(raw)
	if err != nil {
		t.Fatalf("DecodeTagHeader: %v", err)
	}
	if got := bacip.DecodeObjectID(raw[h.Size : h.Size+h.Length]); got != oid {
		t.Errorf("object ID decoded as %v, want %v", got, oid)
	}
}

func TestAppendBooleanValueInTag(t *testing.T) {
	if raw := bacip.AppendBoolean(nil, true); !bytes.Equal(raw, []byte{0x11}) {
		t.Errorf("true = % x, want 11", raw)
	}
	if raw := bacip.AppendBoolean(nil, false); !bytes.Equal(raw, []byte{0x10}) {
		t.Errorf("false = % x, want 10", raw)
	}
}

func TestAppendAppValueUnsupported(t *testing.T) {
	_, err := bacip.AppendAppValue(nil, struct{ X int }{1})
	if !errors.Is(err, bacip.ErrUnsupportedValue) {
		t.Errorf("err = %v, want ErrUnsupportedValue", err)
	}
}
