// Package apn implements the legacy binary Apple Push Notification provider
// and feedback protocols.
//
// Outbound notification frame (big-endian):
//
//	command(1)=2 | frame_length(4)
//	  item 1 | len(2)=32 | device token
//	  item 2 | len(2)=N  | JSON payload
//	  item 3 | len(2)=4  | notification identifier
//	  item 4 | len(2)=4  | expiration (unix seconds)
//	  item 5 | len(2)=1  | priority
//
// Inbound error report:    command(1)=8 | status(1) | identifier(4)
// Inbound feedback record: timestamp(4) | token_length(2)=32 | token(32)
package apn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sideshow/apns2"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

const (
	CommandNotification  byte = 2
	CommandErrorResponse byte = 8

	ItemDeviceToken byte = 1
	ItemPayload     byte = 2
	ItemIdentifier  byte = 3
	ItemExpiration  byte = 4
	ItemPriority    byte = 5

	FrameHeaderSize   = 5
	ItemHeaderSize    = 3
	ErrorFrameSize    = 6
	FeedbackFrameSize = 38

	// MaxPayloadSize is the largest JSON payload the gateway accepts.
	MaxPayloadSize = 2048
)

var (
	ErrShortFrame        = errors.New("apn: short frame")
	ErrUnexpectedCommand = errors.New("apn: unexpected command")
	ErrInvalidToken      = errors.New("apn: invalid device token")
	ErrPayloadTooLarge   = errors.New("apn: payload too large")
	ErrBadTokenLength    = errors.New("apn: bad feedback token length")
	ErrMalformedItem     = errors.New("apn: malformed frame item")
)

// Status is the status byte of an error report.
type Status byte

const (
	StatusNoErrors           Status = 0
	StatusProcessingError    Status = 1
	StatusMissingDeviceToken Status = 2
	StatusMissingTopic       Status = 3
	StatusMissingPayload     Status = 4
	StatusInvalidTokenSize   Status = 5
	StatusInvalidTopicSize   Status = 6
	StatusInvalidPayloadSize Status = 7
	StatusInvalidToken       Status = 8
	StatusShutdown           Status = 10
	StatusUnknown            Status = 255
)

// Permanent reports whether the status means the device token will never
// be accepted again.
func (s Status) Permanent() bool {
	return s == StatusInvalidToken
}

// String names the status using the gateway's HTTP/2 reason vocabulary.
func (s Status) String() string {
	switch s {
	case StatusNoErrors:
		return "NoErrors"
	case StatusProcessingError:
		return apns2.ReasonInternalServerError
	case StatusMissingDeviceToken:
		return apns2.ReasonMissingDeviceToken
	case StatusMissingTopic:
		return apns2.ReasonMissingTopic
	case StatusMissingPayload:
		return apns2.ReasonPayloadEmpty
	case StatusInvalidTokenSize:
		return "InvalidTokenSize"
	case StatusInvalidToken:
		return apns2.ReasonBadDeviceToken
	case StatusInvalidTopicSize:
		return apns2.ReasonBadTopic
	case StatusInvalidPayloadSize:
		return apns2.ReasonPayloadTooLarge
	case StatusShutdown:
		return apns2.ReasonShutdown
	default:
		return fmt.Sprintf("Unknown(%d)", byte(s))
	}
}

// WirePriority maps a push priority onto the gateway's priority byte.
// Medium has no wire value of its own and is sent as low.
func WirePriority(p push.Priority) byte {
	if p == push.PriorityHigh {
		return apns2.PriorityHigh
	}
	return apns2.PriorityLow
}

func priorityFromWire(b byte) push.Priority {
	if b == apns2.PriorityHigh {
		return push.PriorityHigh
	}
	return push.PriorityLow
}

// Notification is the content of one outbound frame.
type Notification struct {
	Token                string
	ResourceKey          string
	DataChangedTimestamp int64
	SubmittedTimestamp   int64
	Identifier           uint32
	Expiration           uint32
	Priority             push.Priority
}

type frameItem struct {
	id    byte
	value []byte
}

type notificationPayload struct {
	Key                           string `json:"key"`
	DataChangedTimestamp          int64  `json:"dataChangedTimestamp"`
	PushRequestSubmittedTimestamp int64  `json:"pushRequestSubmittedTimestamp"`
}

// EncodeNotification builds the command 2 frame for n.
func EncodeNotification(n Notification) ([]byte, error) {
	token, err := TokenToBinary(n.Token)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(notificationPayload{
		Key:                           n.ResourceKey,
		DataChangedTimestamp:          n.DataChangedTimestamp,
		PushRequestSubmittedTimestamp: n.SubmittedTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	var identifier, expiration [4]byte
	binary.BigEndian.PutUint32(identifier[:], n.Identifier)
	binary.BigEndian.PutUint32(expiration[:], n.Expiration)

	items := []frameItem{
		{ItemDeviceToken, token},
		{ItemPayload, payload},
		{ItemIdentifier, identifier[:]},
		{ItemExpiration, expiration[:]},
		{ItemPriority, []byte{WirePriority(n.Priority)}},
	}
	frameLength := 0
	for _, item := range items {
		frameLength += ItemHeaderSize + len(item.value)
	}

	out := make([]byte, FrameHeaderSize, FrameHeaderSize+frameLength)
	out[0] = CommandNotification
	binary.BigEndian.PutUint32(out[1:5], uint32(frameLength))
	for _, item := range items {
		out = append(out, item.id)
		out = binary.BigEndian.AppendUint16(out, uint16(len(item.value)))
		out = append(out, item.value...)
	}
	return out, nil
}

// DecodeNotification parses a command 2 frame.
func DecodeNotification(frame []byte) (Notification, error) {
	if len(frame) < FrameHeaderSize {
		return Notification{}, ErrShortFrame
	}
	if frame[0] != CommandNotification {
		return Notification{}, fmt.Errorf("%w: %d", ErrUnexpectedCommand, frame[0])
	}
	frameLength := int(binary.BigEndian.Uint32(frame[1:5]))
	if len(frame)-FrameHeaderSize < frameLength {
		return Notification{}, ErrShortFrame
	}

	var n Notification
	items := frame[FrameHeaderSize : FrameHeaderSize+frameLength]
	for len(items) > 0 {
		if len(items) < ItemHeaderSize {
			return Notification{}, ErrMalformedItem
		}
		id := items[0]
		size := int(binary.BigEndian.Uint16(items[1:3]))
		if len(items)-ItemHeaderSize < size {
			return Notification{}, ErrMalformedItem
		}
		value := items[ItemHeaderSize : ItemHeaderSize+size]
		items = items[ItemHeaderSize+size:]

		switch id {
		case ItemDeviceToken:
			if size != TokenSize {
				return Notification{}, fmt.Errorf("%w: token item of %d bytes", ErrMalformedItem, size)
			}
			n.Token = TokenFromBinary(value)
		case ItemPayload:
			var p notificationPayload
			if err := json.Unmarshal(value, &p); err != nil {
				return Notification{}, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
			n.ResourceKey = p.Key
			n.DataChangedTimestamp = p.DataChangedTimestamp
			n.SubmittedTimestamp = p.PushRequestSubmittedTimestamp
		case ItemIdentifier, ItemExpiration:
			if size != 4 {
				return Notification{}, fmt.Errorf("%w: item %d of %d bytes", ErrMalformedItem, id, size)
			}
			if id == ItemIdentifier {
				n.Identifier = binary.BigEndian.Uint32(value)
			} else {
				n.Expiration = binary.BigEndian.Uint32(value)
			}
		case ItemPriority:
			if size != 1 {
				return Notification{}, fmt.Errorf("%w: priority item of %d bytes", ErrMalformedItem, size)
			}
			n.Priority = priorityFromWire(value[0])
		}
	}
	return n, nil
}

// ErrorReport is a decoded command 8 frame.
type ErrorReport struct {
	Status     Status
	Identifier uint32
}

// DecodeErrorReport parses a 6 byte error report frame.
func DecodeErrorReport(frame []byte) (ErrorReport, error) {
	if len(frame) != ErrorFrameSize {
		return ErrorReport{}, ErrShortFrame
	}
	if frame[0] != CommandErrorResponse {
		return ErrorReport{}, fmt.Errorf("%w: %d", ErrUnexpectedCommand, frame[0])
	}
	return ErrorReport{
		Status:     Status(frame[1]),
		Identifier: binary.BigEndian.Uint32(frame[2:6]),
	}, nil
}

// FeedbackRecord is a decoded feedback frame: the token stopped accepting
// pushes at Timestamp.
type FeedbackRecord struct {
	Timestamp uint32
	Token     string
}

// DecodeFeedbackRecord parses a 38 byte feedback frame.
func DecodeFeedbackRecord(frame []byte) (FeedbackRecord, error) {
	if len(frame) != FeedbackFrameSize {
		return FeedbackRecord{}, ErrShortFrame
	}
	tokenLength := binary.BigEndian.Uint16(frame[4:6])
	if tokenLength != TokenSize {
		return FeedbackRecord{}, fmt.Errorf("%w: %d", ErrBadTokenLength, tokenLength)
	}
	return FeedbackRecord{
		Timestamp: binary.BigEndian.Uint32(frame[0:4]),
		Token:     TokenFromBinary(frame[6:FeedbackFrameSize]),
	}, nil
}
