package model

// Request structs carry bare field names: the form decoder strips the
// "hub." prefix from incoming keys, since gorilla/schema reads a dot as
// a nested struct path.

// SubscribeRequest represents a form request for a subscribe.
type SubscribeRequest struct {
	Mode         string `form:"mode" validate:"required"`
	Callback     string `form:"callback" validate:"required,url"`
	Topic        string `form:"topic" validate:"required,url"`
	Secret       string `form:"secret" validate:"max=200"`
	LeaseSeconds int    `form:"lease_seconds" validate:"min=0"`
}

// UnsubscribeRequest represents a form request for an unsubscribe.
type UnsubscribeRequest struct {
	Mode     string `form:"mode" validate:"required"`
	Callback string `form:"callback" validate:"required,url"`
	Topic    string `form:"topic" validate:"required"`
}

// PublishRequest represents a form request for a publish. The topic is
// taken from hub.topic, falling back to hub.url for older publishers.
// Content rides in the raw request body, form encoded publishers may use
// hub.content instead.
type PublishRequest struct {
	Topic   string `form:"topic" validate:"omitempty,url"`
	URL     string `form:"url" validate:"omitempty,url"`
	Content string `form:"content"`
}
