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

// Package bacip is a BACnet/IP protocol stack implementing the
// fire-and-forget send convention the bridge drives: confirmed request
// senders allocate an invoke ID, transmit, and return the ID without
// waiting for the reply. Replies and unconfirmed traffic arrive through
// Receive and are routed by DispatchNPDU.
package bacip

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/internal/transport"
)

// Handler processes one unconfirmed service request
type Handler func(src bridge.Address, apdu APDU)

// Stack is a BACnet/IP protocol engine. It satisfies bridge.Stack.
type Stack struct {
	opts   *stackOptions
	logger *slog.Logger

	mu        sync.RWMutex
	transport *transport.UDPTransport
	bindings  map[uint32]bridge.Address
	handlers  map[UnconfirmedService]Handler

	invokeID atomic.Uint32
}

var _ bridge.Stack = (*Stack)(nil)

// NewStack creates a Stack. The datalink stays down until DatalinkInit
// or DatalinkInitBIP6 succeeds.
func NewStack(opts ...StackOption) *Stack {
	options := defaultStackOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Stack{
		opts:     options,
		logger:   options.logger,
		bindings: make(map[uint32]bridge.Address),
		handlers: make(map[UnconfirmedService]Handler),
	}
}

// nextInvokeID allocates the next invoke ID, skipping 0 which is the
// failure sentinel.
func (s *Stack) nextInvokeID() uint8 {
	for {
		id := uint8(s.invokeID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// Bind records the address for a device instance
func (s *Stack) Bind(deviceID uint32, addr bridge.Address) {
	s.mu.Lock()
	s.bindings[deviceID] = addr
	s.mu.Unlock()
}

// LookupBinding returns the bound address for a device instance
func (s *Stack) LookupBinding(deviceID uint32) (bridge.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.bindings[deviceID]
	return addr, ok
}

// RegisterHandler installs a handler for an unconfirmed service. It
// replaces any previous handler for the same service.
func (s *Stack) RegisterHandler(service UnconfirmedService, h Handler) {
	s.mu.Lock()
	s.handlers[service] = h
	s.mu.Unlock()
}

// LocalAddr returns the datalink's bound address, nil while down
func (s *Stack) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.LocalAddr()
}

// Close shuts the datalink down
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

// DatalinkInit brings up the BACnet/IP (IPv4) datalink on ifaceName,
// which may be an interface name, a bare IP, or "host:port". Empty
// binds every interface on the standard port.
func (s *Stack) DatalinkInit(ctx context.Context, ifaceName string) bool {
	return s.datalinkInit(ctx, "udp4", ifaceName)
}

// DatalinkInitBIP6 brings up the BACnet/IPv6 datalink on ifaceName
func (s *Stack) DatalinkInitBIP6(ctx context.Context, ifaceName string) bool {
	return s.datalinkInit(ctx, "udp6", ifaceName)
}

func (s *Stack) datalinkInit(ctx context.Context, network, ifaceName string) bool {
	local, err := localAddrFor(network, ifaceName, s.opts.port)
	if err != nil {
		s.logger.Error("datalink address resolution failed",
			slog.String("interface", ifaceName),
			slog.String("error", err.Error()),
		)
		return false
	}

	tr := transport.NewUDPTransport(network, local)
	if err := tr.Open(ctx); err != nil {
		s.logger.Error("datalink open failed",
			slog.String("interface", ifaceName),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.mu.Lock()
	if s.transport != nil {
		s.transport.Close()
	}
	s.transport = tr
	s.mu.Unlock()

	s.logger.Info("datalink up",
		slog.String("network", network),
		slog.String("local", tr.LocalAddr().String()),
	)
	return true
}

// localAddrFor turns an interface specification into a listen address.
func localAddrFor(network, ifaceName string, port int) (string, error) {
	if ifaceName == "" {
		return net.JoinHostPort("", strconv.Itoa(port)), nil
	}
	if strings.Contains(ifaceName, ":") && !strings.Contains(ifaceName, "%") {
		// Already host:port (IPv6 literals carry a zone, not a bare colon)
		if _, _, err := net.SplitHostPort(ifaceName); err == nil {
			return ifaceName, nil
		}
	}
	if ip := net.ParseIP(ifaceName); ip != nil {
		return net.JoinHostPort(ifaceName, strconv.Itoa(port)), nil
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	want6 := network == "udp6"
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		is4 := ipnet.IP.To4() != nil
		if is4 != want6 {
			return net.JoinHostPort(ipnet.IP.String(), strconv.Itoa(port)), nil
		}
	}
	return "", &net.AddrError{Err: "no usable address on interface", Addr: ifaceName}
}

// Receive waits up to timeout for one inbound NPDU. It strips the BVLC
// layer, fills src with the sender and copies the NPDU into pdu,
// returning the byte count. A timeout yields 0.
func (s *Stack) Receive(ctx context.Context, src *bridge.Address, pdu []byte, timeout time.Duration) int {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		return 0
	}

	var buf [1500]byte
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, from, err := tr.Receive(rctx, buf[:])
	if err != nil {
		if !transport.IsTimeout(err) && !tr.IsClosed() {
			s.logger.Debug("receive failed", slog.String("error", err.Error()))
		}
		return 0
	}

	bvlc, err := DecodeBVLC(buf[:n])
	if err != nil {
		s.logger.Debug("dropping non-BVLL datagram", slog.Int("bytes", n))
		return 0
	}

	payload := buf[4:n]
	sender := udpToAddress(from)

	switch bvlc.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
	case BVLCForwardedNPDU:
		// The originating B/IP address precedes the NPDU
		if len(payload) < 6 {
			return 0
		}
		sender = bridge.Address{Addr: append([]byte(nil), payload[:6]...)}
		payload = payload[6:]
	default:
		// Result, foreign device registration and the BDT functions
		// are not NPDUs
		return 0
	}

	if len(payload) > len(pdu) {
		s.logger.Debug("dropping oversized NPDU", slog.Int("bytes", len(payload)))
		return 0
	}

	*src = sender
	return copy(pdu, payload)
}

// DispatchNPDU routes one received NPDU. Network layer messages are
// dropped, I-Am announcements update the binding table, and any
// registered unconfirmed handler runs afterwards.
func (s *Stack) DispatchNPDU(ctx context.Context, src *bridge.Address, pdu []byte) {
	npdu, _, err := DecodeNPDU(pdu)
	if err != nil {
		s.logger.Debug("dropping malformed NPDU", slog.String("error", err.Error()))
		return
	}
	if npdu.NetworkMessage {
		s.logger.Debug("ignoring network layer message",
			slog.Int("type", int(npdu.MessageType)),
		)
		return
	}

	apdu, err := DecodeAPDU(npdu.Data)
	if err != nil {
		s.logger.Debug("dropping malformed APDU", slog.String("error", err.Error()))
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		s.dispatchUnconfirmed(ctx, *src, apdu)
	case PDUTypeSimpleAck, PDUTypeComplexAck:
		s.logger.Debug("acknowledgement",
			slog.Int("invoke_id", int(apdu.InvokeID)),
			slog.Int("service", int(apdu.Service)),
		)
	case PDUTypeError, PDUTypeReject, PDUTypeAbort:
		s.logger.Warn("peer rejected request",
			slog.String("pdu", pduTypeName(apdu.Type)),
			slog.Int("invoke_id", int(apdu.InvokeID)),
			slog.Int("reason", int(apdu.Service)),
		)
	default:
		s.logger.Debug("ignoring APDU", slog.String("pdu", pduTypeName(apdu.Type)))
	}
}

func pduTypeName(t PDUType) string {
	switch t {
	case PDUTypeConfirmedRequest:
		return "confirmed-request"
	case PDUTypeUnconfirmedRequest:
		return "unconfirmed-request"
	case PDUTypeSimpleAck:
		return "simple-ack"
	case PDUTypeComplexAck:
		return "complex-ack"
	case PDUTypeSegmentAck:
		return "segment-ack"
	case PDUTypeError:
		return "error"
	case PDUTypeReject:
		return "reject"
	case PDUTypeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

func (s *Stack) dispatchUnconfirmed(ctx context.Context, src bridge.Address, apdu APDU) {
	service := UnconfirmedService(apdu.Service)

	switch service {
	case ServiceIAm:
		if dev, ok := decodeIAmDevice(apdu.Data); ok {
			s.Bind(dev.Instance, src)
			s.logger.Info("device announced",
				slog.Uint64("device", uint64(dev.Instance)),
				slog.String("address", src.String()),
			)
		}
	case ServiceWhoIs:
		if low, high, ok := decodeWhoIsRange(apdu.Data); ok {
			id := s.opts.deviceID
			if low < 0 || (uint32(low) <= id && id <= uint32(high)) {
				s.SendIAm(ctx)
			}
		}
	}

	s.mu.RLock()
	h := s.handlers[service]
	s.mu.RUnlock()
	if h != nil {
		h(src, apdu)
	}
}

// decodeIAmDevice extracts the device identifier from an I-Am body
func decodeIAmDevice(data []byte) (bridge.ObjectIdentifier, bool) {
	h, err := DecodeTagHeader(data)
	if err != nil || h.Class != TagClassApplication || h.Number != tagObjectID {
		return bridge.ObjectIdentifier{}, false
	}
	if len(data) < h.Size+h.Length || h.Length != 4 {
		return bridge.ObjectIdentifier{}, false
	}
	oid := DecodeObjectID(data[h.Size : h.Size+4])
	if oid.Type != bridge.ObjectTypeDevice {
		return bridge.ObjectIdentifier{}, false
	}
	return oid, true
}

// decodeWhoIsRange extracts the instance range from a Who-Is body.
// An empty body asks every device, reported as (-1, -1).
func decodeWhoIsRange(data []byte) (low, high int32, ok bool) {
	if len(data) == 0 {
		return -1, -1, true
	}

	h, err := DecodeTagHeader(data)
	if err != nil || h.Class != TagClassContext || h.Number != 0 || len(data) < h.Size+h.Length {
		return 0, 0, false
	}
	low = int32(DecodeUnsigned(data[h.Size : h.Size+h.Length]))
	data = data[h.Size+h.Length:]

	h, err = DecodeTagHeader(data)
	if err != nil || h.Class != TagClassContext || h.Number != 1 || len(data) < h.Size+h.Length {
		return 0, 0, false
	}
	high = int32(DecodeUnsigned(data[h.Size : h.Size+h.Length]))
	return low, high, true
}

// send transmits body as a confirmed request to the bound address of
// deviceID, returning the invoke ID or 0.
func (s *Stack) send(ctx context.Context, deviceID uint32, service ConfirmedService, body []byte) uint8 {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		s.logger.Warn("send with datalink down", slog.Int("service", int(service)))
		return 0
	}

	addr, ok := s.LookupBinding(deviceID)
	if !ok {
		s.logger.Warn("device not bound",
			slog.Uint64("device", uint64(deviceID)),
			slog.Int("service", int(service)),
		)
		return 0
	}
	udpAddr, ok := addressToUDP(addr)
	if !ok {
		s.logger.Warn("unroutable device address", slog.String("address", addr.String()))
		return 0
	}

	invokeID := s.nextInvokeID()

	npdu := AppendNPDU(nil, true)
	apdu := AppendConfirmedRequest(nil, invokeID, service, body)
	frame := AppendBVLC(make([]byte, 0, 4+len(npdu)+len(apdu)), BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)

	if err := tr.Send(ctx, udpAddr, frame); err != nil {
		s.logger.Error("send failed",
			slog.Int("service", int(service)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return invokeID
}

// broadcast transmits body as an unconfirmed request to the local
// broadcast address.
func (s *Stack) broadcast(ctx context.Context, service UnconfirmedService, body []byte) bool {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		s.logger.Warn("broadcast with datalink down", slog.Int("service", int(service)))
		return false
	}

	npdu := AppendNPDUWithDest(nil, 0xFFFF, nil, 255, false)
	apdu := AppendUnconfirmedRequest(nil, service, body)
	frame := AppendBVLC(make([]byte, 0, 4+len(npdu)+len(apdu)), BVLCOriginalBroadcastNPDU, len(npdu)+len(apdu))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)

	if err := tr.Broadcast(ctx, s.opts.port, frame); err != nil {
		s.logger.Error("broadcast failed",
			slog.Int("service", int(service)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// SendWhoIs broadcasts a Who-Is. Negative limits ask every device.
func (s *Stack) SendWhoIs(ctx context.Context, lowLimit, highLimit int32) {
	var body []byte
	if lowLimit >= 0 && highLimit >= 0 {
		body = AppendContextUnsigned(body, 0, uint32(lowLimit))
		body = AppendContextUnsigned(body, 1, uint32(highLimit))
	}
	s.broadcast(ctx, ServiceWhoIs, body)
}

// SendIAm broadcasts an I-Am announcement for the local device
func (s *Stack) SendIAm(ctx context.Context) {
	body := AppendObjectID(nil, bridge.NewObjectIdentifier(bridge.ObjectTypeDevice, s.opts.deviceID))
	body = AppendUnsigned(body, bridge.MaxAPDULength)
	body = AppendEnumerated(body, uint32(bridge.SegmentationNone))
	body = AppendUnsigned(body, uint32(s.opts.vendorID))
	s.broadcast(ctx, ServiceIAm, body)
}

// SendReadProperty submits a ReadProperty request
func (s *Stack) SendReadProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier) uint8 {
	body := AppendContextObjectID(nil, 0, oid)
	body = AppendContextEnumerated(body, 1, uint32(prop))
	return s.send(ctx, deviceID, ServiceReadProperty, body)
}

// SendWriteProperty submits a WriteProperty request. Priority 0 writes
// without a priority.
func (s *Stack) SendWriteProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier, value any, priority uint8) uint8 {
	body := AppendContextObjectID(nil, 0, oid)
	body = AppendContextEnumerated(body, 1, uint32(prop))
	body = AppendOpeningTag(body, 3)
	body, err := AppendAppValue(body, value)
	if err != nil {
		s.logger.Warn("unencodable write value", slog.String("error", err.Error()))
		return 0
	}
	body = AppendClosingTag(body, 3)
	if priority > 0 {
		body = AppendContextUnsigned(body, 4, uint32(priority))
	}
	return s.send(ctx, deviceID, ServiceWriteProperty, body)
}

// SendWritePropertyMultiple submits a WritePropertyMultiple request
func (s *Stack) SendWritePropertyMultiple(ctx context.Context, deviceID uint32, data bridge.WriteAccessData) uint8 {
	if len(data) == 0 {
		s.logger.Warn("write-property-multiple with no write access specifications")
		return 0
	}

	var body []byte
	for _, spec := range data {
		body = AppendContextObjectID(body, 0, spec.Object)
		body = AppendOpeningTag(body, 1)
		for _, w := range spec.Writes {
			body = AppendContextEnumerated(body, 0, uint32(w.Property))
			if w.ArrayIndex != nil {
				body = AppendContextUnsigned(body, 1, *w.ArrayIndex)
			}
			body = AppendOpeningTag(body, 2)
			var err error
			body, err = AppendAppValue(body, w.Value)
			if err != nil {
				s.logger.Warn("unencodable write value",
					slog.String("object", spec.Object.String()),
					slog.String("error", err.Error()),
				)
				return 0
			}
			body = AppendClosingTag(body, 2)
			if w.Priority > 0 {
				body = AppendContextUnsigned(body, 3, uint32(w.Priority))
			}
		}
		body = AppendClosingTag(body, 1)
	}
	return s.send(ctx, deviceID, ServiceWritePropertyMultiple, body)
}

// SendReadRange submits a ReadRange request
func (s *Stack) SendReadRange(ctx context.Context, deviceID uint32, data *bridge.ReadRangeData) uint8 {
	if data == nil {
		s.logger.Warn("read-range with nil request data")
		return 0
	}

	body := AppendContextObjectID(nil, 0, data.Object)
	body = AppendContextEnumerated(body, 1, uint32(data.Property))
	if data.ArrayIndex != nil {
		body = AppendContextUnsigned(body, 2, *data.ArrayIndex)
	}

	switch data.RequestType {
	case bridge.RangeAll:
		// No range qualifier reads everything
	case bridge.RangeByPosition:
		body = AppendOpeningTag(body, 3)
		body = AppendUnsigned(body, data.Position)
		body = AppendSigned(body, data.Count)
		body = AppendClosingTag(body, 3)
	case bridge.RangeBySequence:
		body = AppendOpeningTag(body, 6)
		body = AppendUnsigned(body, data.Sequence)
		body = AppendSigned(body, data.Count)
		body = AppendClosingTag(body, 6)
	default:
		s.logger.Warn("unknown range request type", slog.Int("type", int(data.RequestType)))
		return 0
	}
	return s.send(ctx, deviceID, ServiceReadRange, body)
}

// udpToAddress converts a UDP sender to the BACnet address form: the
// MAC is the IP followed by the big-endian port.
func udpToAddress(addr *net.UDPAddr) bridge.Address {
	if addr == nil {
		return bridge.Address{}
	}
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	mac := make([]byte, 0, len(ip)+2)
	mac = append(mac, ip...)
	mac = append(mac, byte(addr.Port>>8), byte(addr.Port))
	return bridge.Address{Addr: mac}
}

// addressToUDP converts a BACnet address back to a UDP destination
func addressToUDP(addr bridge.Address) (*net.UDPAddr, bool) {
	n := len(addr.Addr)
	if n != 6 && n != 18 {
		return nil, false
	}
	ipLen := n - 2
	return &net.UDPAddr{
		IP:   net.IP(addr.Addr[:ipLen]),
		Port: int(addr.Addr[ipLen])<<8 | int(addr.Addr[ipLen+1]),
	}, true
}
