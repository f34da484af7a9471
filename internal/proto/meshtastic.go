// Package proto implements the subset of the Meshtastic protobuf API the
// bridge needs: ToRadio text packets and config requests going out,
// FromRadio packets, node info and channel configuration coming in.
// Messages are encoded field by field with protowire so no generated code is
// required.
package proto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortNum mirrors the Meshtastic PortNum enum.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
)

const (
	// BroadcastAddr is the destination for channel-wide packets.
	BroadcastAddr uint32 = 0xFFFFFFFF
	// MaxPayload is the largest Data.payload the firmware accepts.
	MaxPayload = 233
	// DefaultHopLimit matches the firmware default.
	DefaultHopLimit = 3
)

// ChannelRole mirrors Channel.Role.
type ChannelRole int32

const (
	RoleDisabled ChannelRole = iota
	RolePrimary
	RoleSecondary
)

var (
	ErrPayloadTooLarge = errors.New("proto: payload too large")
	ErrMalformed       = errors.New("proto: malformed message")
)

// ToRadio is the top-level wrapper for data going TO the radio device.
// Exactly one of Packet and WantConfigID is set.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
}

// FromRadio is the top-level wrapper for data coming FROM the radio device.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	Channel          *Channel
	ConfigCompleteID uint32
}

// MeshPacket is a routed Meshtastic packet carrying decoded Data.
type MeshPacket struct {
	ID       uint32
	From     uint32 // Source node number
	To       uint32 // Destination node number (BroadcastAddr = broadcast)
	Channel  uint32
	PortNum  PortNum
	Payload  []byte
	RxTime   uint32
	HopLimit uint32
	WantAck  bool
}

// MyNodeInfo carries this device's own identity.
type MyNodeInfo struct {
	MyNodeNum uint32
}

// NodeInfo carries metadata about a known mesh node.
type NodeInfo struct {
	Num       uint32
	UserID    string
	LongName  string
	ShortName string
}

// Channel is one slot of the device channel table.
type Channel struct {
	Index int32
	Name  string
	Role  ChannelRole
}

// ── Field numbers ─────────────────────────────────────────────────────────

const (
	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3

	fromRadioID             protowire.Number = 1
	fromRadioPacket         protowire.Number = 2
	fromRadioMyInfo         protowire.Number = 3
	fromRadioNodeInfo       protowire.Number = 4
	fromRadioConfigComplete protowire.Number = 7
	fromRadioChannel        protowire.Number = 10

	packetFrom     protowire.Number = 1
	packetTo       protowire.Number = 2
	packetChannel  protowire.Number = 3
	packetDecoded  protowire.Number = 4
	packetID       protowire.Number = 6
	packetRxTime   protowire.Number = 7
	packetHopLimit protowire.Number = 9
	packetWantAck  protowire.Number = 10

	dataPortNum protowire.Number = 1
	dataPayload protowire.Number = 2

	myInfoNodeNum protowire.Number = 1

	nodeInfoNum  protowire.Number = 1
	nodeInfoUser protowire.Number = 2

	userID        protowire.Number = 1
	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3

	channelIndex    protowire.Number = 1
	channelSettings protowire.Number = 2
	channelRole     protowire.Number = 3

	settingsName protowire.Number = 3
)

// ── Encode ────────────────────────────────────────────────────────────────

// EncodeToRadio serialises a ToRadio message.
func EncodeToRadio(msg *ToRadio) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: cannot encode nil ToRadio", ErrMalformed)
	}
	if msg.Packet == nil {
		if msg.WantConfigID == 0 {
			return nil, fmt.Errorf("%w: ToRadio carries nothing", ErrMalformed)
		}
		b := protowire.AppendTag(nil, toRadioWantConfigID, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(msg.WantConfigID)), nil
	}
	pkt, err := encodePacket(msg.Packet)
	if err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, toRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, pkt), nil
}

func encodePacket(p *MeshPacket) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(p.Payload), MaxPayload)
	}
	var data []byte
	data = protowire.AppendTag(data, dataPortNum, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(p.PortNum))
	data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
	data = protowire.AppendBytes(data, p.Payload)

	var b []byte
	if p.From != 0 {
		b = protowire.AppendTag(b, packetFrom, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.From)
	}
	b = protowire.AppendTag(b, packetTo, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, p.To)
	if p.Channel != 0 {
		b = protowire.AppendTag(b, packetChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	b = protowire.AppendTag(b, packetDecoded, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	if p.ID != 0 {
		b = protowire.AppendTag(b, packetID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ID)
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, packetHopLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, packetWantAck, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}

// TextPacket builds a broadcast text packet on channel.
func TextPacket(id uint32, channel int, text string) *MeshPacket {
	return &MeshPacket{
		ID:       id,
		To:       BroadcastAddr,
		Channel:  uint32(channel),
		PortNum:  PortTextMessage,
		Payload:  []byte(text),
		HopLimit: DefaultHopLimit,
		WantAck:  true,
	}
}

// ── Decode ────────────────────────────────────────────────────────────────

// DecodeFromRadio parses a FromRadio message. Unknown fields are skipped.
func DecodeFromRadio(b []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == fromRadioID && typ == protowire.VarintType:
			fr.ID = uint32(v.u)
		case num == fromRadioPacket && typ == protowire.BytesType:
			p, err := decodePacket(v.b)
			if err != nil {
				return err
			}
			fr.Packet = p
		case num == fromRadioMyInfo && typ == protowire.BytesType:
			fr.MyInfo = &MyNodeInfo{}
			return walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				if num == myInfoNodeNum && typ == protowire.VarintType {
					fr.MyInfo.MyNodeNum = uint32(v.u)
				}
				return nil
			})
		case num == fromRadioNodeInfo && typ == protowire.BytesType:
			n, err := decodeNodeInfo(v.b)
			if err != nil {
				return err
			}
			fr.NodeInfo = n
		case num == fromRadioChannel && typ == protowire.BytesType:
			ch, err := decodeChannel(v.b)
			if err != nil {
				return err
			}
			fr.Channel = ch
		case num == fromRadioConfigComplete && typ == protowire.VarintType:
			fr.ConfigCompleteID = uint32(v.u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fr, nil
}

// DecodeToRadio parses a ToRadio message. It exists for device simulators
// and tests.
func DecodeToRadio(b []byte) (*ToRadio, error) {
	tr := &ToRadio{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == toRadioPacket && typ == protowire.BytesType:
			p, err := decodePacket(v.b)
			if err != nil {
				return err
			}
			tr.Packet = p
		case num == toRadioWantConfigID && typ == protowire.VarintType:
			tr.WantConfigID = uint32(v.u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// EncodeFromRadio serialises a FromRadio message. It exists for device
// simulators and tests.
func EncodeFromRadio(fr *FromRadio) ([]byte, error) {
	var b []byte
	if fr.ID != 0 {
		b = protowire.AppendTag(b, fromRadioID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(fr.ID))
	}
	if fr.Packet != nil {
		pkt, err := encodePacket(fr.Packet)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fromRadioPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt)
	}
	if fr.MyInfo != nil {
		var mi []byte
		mi = protowire.AppendTag(mi, myInfoNodeNum, protowire.VarintType)
		mi = protowire.AppendVarint(mi, uint64(fr.MyInfo.MyNodeNum))
		b = protowire.AppendTag(b, fromRadioMyInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, mi)
	}
	if fr.NodeInfo != nil {
		var user []byte
		user = protowire.AppendTag(user, userID, protowire.BytesType)
		user = protowire.AppendString(user, fr.NodeInfo.UserID)
		user = protowire.AppendTag(user, userLongName, protowire.BytesType)
		user = protowire.AppendString(user, fr.NodeInfo.LongName)
		user = protowire.AppendTag(user, userShortName, protowire.BytesType)
		user = protowire.AppendString(user, fr.NodeInfo.ShortName)

		var ni []byte
		ni = protowire.AppendTag(ni, nodeInfoNum, protowire.VarintType)
		ni = protowire.AppendVarint(ni, uint64(fr.NodeInfo.Num))
		ni = protowire.AppendTag(ni, nodeInfoUser, protowire.BytesType)
		ni = protowire.AppendBytes(ni, user)

		b = protowire.AppendTag(b, fromRadioNodeInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, ni)
	}
	if fr.Channel != nil {
		var settings []byte
		settings = protowire.AppendTag(settings, settingsName, protowire.BytesType)
		settings = protowire.AppendString(settings, fr.Channel.Name)

		var ch []byte
		ch = protowire.AppendTag(ch, channelIndex, protowire.VarintType)
		ch = protowire.AppendVarint(ch, uint64(fr.Channel.Index))
		ch = protowire.AppendTag(ch, channelSettings, protowire.BytesType)
		ch = protowire.AppendBytes(ch, settings)
		ch = protowire.AppendTag(ch, channelRole, protowire.VarintType)
		ch = protowire.AppendVarint(ch, uint64(fr.Channel.Role))

		b = protowire.AppendTag(b, fromRadioChannel, protowire.BytesType)
		b = protowire.AppendBytes(b, ch)
	}
	if fr.ConfigCompleteID != 0 {
		b = protowire.AppendTag(b, fromRadioConfigComplete, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(fr.ConfigCompleteID))
	}
	return b, nil
}

func decodePacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == packetFrom && typ == protowire.Fixed32Type:
			p.From = uint32(v.u)
		case num == packetTo && typ == protowire.Fixed32Type:
			p.To = uint32(v.u)
		case num == packetChannel && typ == protowire.VarintType:
			p.Channel = uint32(v.u)
		case num == packetID && typ == protowire.Fixed32Type:
			p.ID = uint32(v.u)
		case num == packetRxTime && typ == protowire.Fixed32Type:
			p.RxTime = uint32(v.u)
		case num == packetHopLimit && typ == protowire.VarintType:
			p.HopLimit = uint32(v.u)
		case num == packetWantAck && typ == protowire.VarintType:
			p.WantAck = protowire.DecodeBool(v.u)
		case num == packetDecoded && typ == protowire.BytesType:
			return walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				switch {
				case num == dataPortNum && typ == protowire.VarintType:
					p.PortNum = PortNum(v.u)
				case num == dataPayload && typ == protowire.BytesType:
					p.Payload = append([]byte(nil), v.b...)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	n := &NodeInfo{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == nodeInfoNum && typ == protowire.VarintType:
			n.Num = uint32(v.u)
		case num == nodeInfoUser && typ == protowire.BytesType:
			return walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case userID:
					n.UserID = string(v.b)
				case userLongName:
					n.LongName = string(v.b)
				case userShortName:
					n.ShortName = string(v.b)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func decodeChannel(b []byte) (*Channel, error) {
	ch := &Channel{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == channelIndex && typ == protowire.VarintType:
			ch.Index = int32(v.u)
		case num == channelRole && typ == protowire.VarintType:
			ch.Role = ChannelRole(v.u)
		case num == channelSettings && typ == protowire.BytesType:
			return walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				if num == settingsName && typ == protowire.BytesType {
					ch.Name = string(v.b)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// field holds a decoded scalar (u) or length-delimited value (b).
type field struct {
	u uint64
	b []byte
}

// walk iterates the top-level fields of b.
func walk(b []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.u = uint64(x)
		case protowire.Fixed64Type:
			v.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

// MessageTypeLabel returns a human-readable label for a PortNum.
func MessageTypeLabel(p PortNum) string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	case PortRouting:
		return "ROUTING_APP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}
