package model

import "time"

// Service is a bookable procedure offered by the provider.
type Service struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Buffer    time.Duration `json:"buffer"`
	Price     int64         `json:"price"` // minor units
	Active    bool          `json:"active"`
	SortOrder int           `json:"sort_order"`
}

// TotalDuration is the calendar time one visit occupies, including buffers.
func (s *Service) TotalDuration(extraBuffer time.Duration) time.Duration {
	return s.Duration + s.Buffer + extraBuffer
}

// Client is a person who books through the chat front-end.
type Client struct {
	ChatID    int64     `json:"chat_id"`
	Username  string    `json:"username,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName picks the most readable identifier of the client.
func (c *Client) DisplayName() string {
	switch {
	case c.FullName != "":
		return c.FullName
	case c.Username != "":
		return "@" + c.Username
	default:
		return formatInt(c.ChatID)
	}
}

// BlockedInterval is provider-declared unavailability (a break, a day off).
type BlockedInterval struct {
	ID        int64     `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (b *BlockedInterval) Interval() Interval {
	return Interval{Start: b.Start, End: b.End}
}
