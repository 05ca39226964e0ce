package mock

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/john/multichat/internal/message"
)

var usernames = []string{
	"lucasmahle", "mikeColorado", "GamerPro", "SilentWatcher", "StreamFan_123",
	"ProStreamer", "ChatMaster", "ViewerVIP", "ModSquad", "SubHero",
}

var lines = []string{
	"hello!", "gg", "nice", "😂", "what a play", "that was incredible!",
	"Kappa", "Let's go! Pog", "can't believe it LUL", "so sad peepoSad",
	"anyone else see that? 7TV", "this game is great Pog", "First!",
	"best streamer!", "clutch!", "OMEGALUL", "PogChamp", "5Head play",
}

var colors = []string{
	"#FF0000", "#00FF00", "#0000FF", "#FFFF00", "#FF00FF", "#00FFFF",
	"#FFA500", "#800080", "#FFC0CB", "#A52A2A", "#808080", "#000080",
}

var (
	subTiers  = []string{"Tier 1", "Tier 2", "Tier 3", "Prime"}
	giftTiers = []string{"Tier 1", "Tier 2", "Tier 3"}
	giftSizes = []int{1, 5, 10, 20, 50}
)

// source is a goroutine safe random source.
type source struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newSource(seed uint64) *source {
	return &source{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *source) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *source) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

func pick[T any](s *source, from []T) T {
	return from[s.intn(len(from))]
}

// Options fixes fields of a generated event. Empty fields are randomised.
type Options struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Color     string `json:"color"`
	Tier      string `json:"tier"`
	Months    int    `json:"months"`
	Count     int    `json:"count"`
	Recipient string `json:"recipient"`
}

func orPick(s *source, v string, from []string) string {
	if v != "" {
		return v
	}
	return pick(s, from)
}

func (s *source) chat(p message.Platform, o Options) (message.ChatMessage, error) {
	user := orPick(s, o.Username, usernames)
	body := orPick(s, o.Message, lines)
	color := orPick(s, o.Color, colors)

	if p == message.Twitch {
		return message.FromTwitch(map[string]string{
			"display-name": user,
			"color":        color,
			"badges":       s.twitchBadges(),
		}, body)
	}

	var payload struct {
		Content string `json:"content"`
		Sender  struct {
			Username string `json:"username"`
			Identity struct {
				Color  string `json:"color"`
				Badges []any  `json:"badges"`
			} `json:"identity"`
		} `json:"sender"`
	}
	payload.Content = body
	payload.Sender.Username = user
	payload.Sender.Identity.Color = color
	payload.Sender.Identity.Badges = []any{}
	if s.float() < 0.3 {
		payload.Sender.Identity.Badges = append(payload.Sender.Identity.Badges,
			map[string]any{"type": "subscriber", "text": "Subscriber", "count": s.intn(12) + 1})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return message.ChatMessage{}, err
	}
	return message.FromKick(raw)
}

// twitchBadges renders a random IRC badges tag.
func (s *source) twitchBadges() string {
	var parts []string
	if s.float() < 0.05 {
		parts = append(parts, "broadcaster/1")
	}
	if s.float() < 0.1 {
		parts = append(parts, "moderator/1")
	}
	if s.float() < 0.2 {
		parts = append(parts, "vip/1")
	}
	if s.float() < 0.3 {
		parts = append(parts, "subscriber/"+strconv.Itoa(s.intn(24)+1))
	}
	return strings.Join(parts, ",")
}

func (s *source) alert(p message.Platform, kind message.AlertKind, o Options) message.AlertEvent {
	user := orPick(s, o.Username, usernames)
	meta := message.AlertMeta{Tier: o.Tier, Message: o.Message}

	switch kind {
	case message.Resubscription:
		if meta.Tier == "" {
			meta.Tier = pick(s, subTiers)
		}
		months := o.Months
		if months <= 0 {
			months = s.intn(35) + 2
		}
		return message.NewResubscription(p, user, months, meta)
	case message.GiftBatch:
		if meta.Tier == "" {
			meta.Tier = pick(s, giftTiers)
		}
		meta.Count = o.Count
		if meta.Count <= 0 {
			meta.Count = pick(s, giftSizes)
		}
		return message.NewGiftBatch(p, user, meta)
	case message.GiftSingle:
		if meta.Tier == "" {
			meta.Tier = pick(s, giftTiers)
		}
		return message.NewGiftSingle(p, user, orPick(s, o.Recipient, usernames), meta)
	default:
		if meta.Tier == "" {
			meta.Tier = pick(s, subTiers)
		}
		return message.NewSubscription(p, user, meta)
	}
}

var alertKinds = []message.AlertKind{
	message.Subscription, message.Resubscription, message.GiftBatch, message.GiftSingle,
}
