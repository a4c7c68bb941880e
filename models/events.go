package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

const (
	KindDeletion        = 5
	KindSeal            = 13
	KindDirectMessage   = 14
	KindGiftWrap        = 1059
	KindGroupMessage    = 4100
	KindOffer           = 30402
	KindInterestSignal  = 30410
	KindRejection       = 30411
	KindWhitelist       = 30412
	KindDealRecord      = 30413
	KindSelectionNotice = 30414
)

// IsAddressable reports whether (pubkey, kind, d tag) names a replaceable slot.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Address formats the NIP-01 "a" tag value of an addressable slot.
func Address(kind int, pubkey string, d string) string {
	return strconv.Itoa(kind) + ":" + pubkey + ":" + d
}

// TagValue returns the first value of the first tag named key.
func TagValue(tags nostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the first value of every tag named key.
func TagValues(tags nostr.Tags, key string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			values = append(values, tag[1])
		}
	}
	return values
}

// Event is one of the typed event variants produced by ParseEvent.
type Event interface {
	Raw() nostr.Event
	isEvent()
}

type base struct {
	raw nostr.Event
}

func (b base) Raw() nostr.Event { return b.raw }
func (base) isEvent()           {}

type OfferEvent struct {
	base
	OfferId   string
	ChannelId string
	Status    OfferStatus
}

type InterestEvent struct {
	base
	OfferId string
}

type WhitelistEvent struct {
	base
	ChannelId string
	Record    WhitelistRecord
}

type GiftWrapEvent struct {
	base
	Recipient string
}

type DeletionEvent struct {
	base
	Targets   []string
	Addresses []string
}

type GroupMessageEvent struct {
	base
	ChannelId string
}

// ParseEvent validates the shape of a relay event and returns its typed variant.
func ParseEvent(ev nostr.Event) (Event, error) {
	b := base{raw: ev}
	switch ev.Kind {
	case KindOffer:
		d := TagValue(ev.Tags, "d")
		if d == "" {
			return nil, fmt.Errorf("%w: offer without d tag", ErrMalformedEvent)
		}
		status := OfferStatus(TagValue(ev.Tags, "status"))
		if status == "" {
			status = OfferOpen
		}
		return &OfferEvent{base: b, OfferId: d, ChannelId: TagValue(ev.Tags, "h"), Status: status}, nil

	case KindInterestSignal:
		d := TagValue(ev.Tags, "d")
		if d == "" {
			return nil, fmt.Errorf("%w: interest signal without d tag", ErrMalformedEvent)
		}
		return &InterestEvent{base: b, OfferId: d}, nil

	case KindWhitelist:
		d := TagValue(ev.Tags, "d")
		if d == "" {
			return nil, fmt.Errorf("%w: whitelist without d tag", ErrMalformedEvent)
		}
		var record WhitelistRecord
		if err := json.Unmarshal([]byte(ev.Content), &record); err != nil {
			return nil, fmt.Errorf("%w: whitelist content: %v", ErrMalformedEvent, err)
		}
		if record.ChannelId != d || record.AdminPubkey != ev.PubKey {
			return nil, fmt.Errorf("%w: whitelist content does not match its slot", ErrMalformedEvent)
		}
		record.EventId = ev.ID
		return &WhitelistEvent{base: b, ChannelId: d, Record: record}, nil

	case KindGiftWrap:
		p := TagValues(ev.Tags, "p")
		if len(p) != 1 {
			return nil, fmt.Errorf("%w: gift wrap must carry exactly one p tag", ErrMalformedEvent)
		}
		return &GiftWrapEvent{base: b, Recipient: p[0]}, nil

	case KindDeletion:
		targets := TagValues(ev.Tags, "e")
		addresses := TagValues(ev.Tags, "a")
		if len(targets) == 0 && len(addresses) == 0 {
			return nil, fmt.Errorf("%w: deletion without targets", ErrMalformedEvent)
		}
		return &DeletionEvent{base: b, Targets: targets, Addresses: addresses}, nil

	case KindGroupMessage:
		h := TagValue(ev.Tags, "h")
		if h == "" {
			return nil, fmt.Errorf("%w: group message without h tag", ErrMalformedEvent)
		}
		return &GroupMessageEvent{base: b, ChannelId: h}, nil
	}

	return nil, fmt.Errorf("%w: unsupported kind %d", ErrMalformedEvent, ev.Kind)
}
