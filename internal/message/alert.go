package message

import "fmt"

// AlertKind is the type tag sent to clients with an alert.
type AlertKind string

const (
	Subscription   AlertKind = "sub"
	Resubscription AlertKind = "resub"
	GiftBatch      AlertKind = "subgift"
	GiftSingle     AlertKind = "giftsub_single"
)

const defaultTier = "Tier 1"

// AlertEvent is a subscription or gift notification.
type AlertEvent struct {
	Platform  Platform  `json:"platform"`
	Kind      AlertKind `json:"type"`
	Username  string    `json:"username"`
	Timestamp int64     `json:"timestamp"`
	Tier      string    `json:"tier,omitempty"`
	Message   string    `json:"message,omitempty"`
	Months    int       `json:"months,omitempty"`
	Count     int       `json:"count,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
}

// AlertMeta carries the optional fields an upstream may provide.
type AlertMeta struct {
	Tier      string
	Message   string
	Months    int
	Count     int
	Recipient string
}

// IsValid reports whether the alert may be delivered to clients.
func (a AlertEvent) IsValid() bool {
	return a.Platform != "" && a.Kind != "" && a.Username != ""
}

func newAlert(p Platform, kind AlertKind, username string, meta AlertMeta) AlertEvent {
	tier := meta.Tier
	if tier == "" {
		tier = defaultTier
	}
	return AlertEvent{
		Platform:  p,
		Kind:      kind,
		Username:  username,
		Timestamp: timestamp(),
		Tier:      tier,
		Message:   meta.Message,
		Months:    meta.Months,
		Count:     meta.Count,
		Recipient: meta.Recipient,
	}
}

// NewSubscription builds a first-time subscription alert.
func NewSubscription(p Platform, username string, meta AlertMeta) AlertEvent {
	a := newAlert(p, Subscription, username, meta)
	if a.Message == "" {
		a.Message = fmt.Sprintf("%s just subscribed!", username)
	}
	return a
}

// NewResubscription builds a resubscription alert for the given streak.
func NewResubscription(p Platform, username string, months int, meta AlertMeta) AlertEvent {
	meta.Months = months
	a := newAlert(p, Resubscription, username, meta)
	if a.Message == "" {
		a.Message = fmt.Sprintf("%s subscribed for %d months!", username, months)
	}
	return a
}

// NewGiftBatch builds an alert for a community gift of one or more subscriptions.
func NewGiftBatch(p Platform, username string, meta AlertMeta) AlertEvent {
	if meta.Count <= 0 {
		meta.Count = 1
	}
	a := newAlert(p, GiftBatch, username, meta)
	if a.Message == "" {
		a.Message = fmt.Sprintf("%s gifted %d subs!", username, a.Count)
	}
	return a
}

// NewGiftSingle builds an alert for a subscription gifted to one recipient.
func NewGiftSingle(p Platform, username, recipient string, meta AlertMeta) AlertEvent {
	meta.Recipient = recipient
	a := newAlert(p, GiftSingle, username, meta)
	if a.Message == "" {
		a.Message = fmt.Sprintf("%s gifted a sub to %s!", username, recipient)
	}
	return a
}
