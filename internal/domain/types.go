package domain

import "time"

type ChatCompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      *bool    `json:"stream,omitempty"`
	SessionKey  string   `json:"session_key,omitempty"`

	// System is filled server-side, never decoded from the client.
	System string `json:"-"`
}

// Streaming reports whether the client asked for a streamed response.
// Requests without the field stream by default.
func (r ChatCompletionRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

func (r ChatCompletionRequest) TemperatureOr(def float64) float64 {
	if r.Temperature == nil {
		return def
	}
	return *r.Temperature
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages renders the request as a system + user exchange.
func (r ChatCompletionRequest) Messages() []Message {
	msgs := make([]Message, 0, 2)
	if r.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.System})
	}
	return append(msgs, Message{Role: "user", Content: r.Prompt})
}

type Transport string

const (
	TransportChunkedHTTP Transport = "chunked_http"
	TransportSDK         Transport = "sdk"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type ProviderDescriptor struct {
	Name           string    `yaml:"name" json:"name"`
	Kind           string    `yaml:"kind" json:"kind"`
	Transport      Transport `yaml:"transport" json:"transport"`
	BaseURL        string    `yaml:"base_url" json:"-"`
	APIKey         string    `yaml:"api_key" json:"-"`
	APIVersion     string    `yaml:"api_version,omitempty" json:"-"`
	Region         string    `yaml:"region,omitempty" json:"-"`
	Models         []string  `yaml:"models" json:"models"`
	MinMaxTokens   int       `yaml:"min_max_tokens,omitempty" json:"-"`
	Tier           Tier      `yaml:"tier,omitempty" json:"tier"`
	SegmentThought bool      `yaml:"segment_thought,omitempty" json:"-"`
}

// StreamChunk is the wire payload of a single SSE frame.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
	Tier     Tier   `json:"tier,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// GraphMetadata is the optional meta.json record stored next to a persisted graph.
type GraphMetadata struct {
	FileName  string    `json:"file_name"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
}

// ChatCompletionResponse is returned when the client asked for stream=false.
type ChatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ResponseChoice `json:"choices"`
}

type ResponseChoice struct {
	Index            int     `json:"index"`
	Message          Message `json:"message"`
	ReasoningContent string  `json:"reasoning_content,omitempty"`
	FinishReason     string  `json:"finish_reason"`
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Enabled      bool
	CreatedAt    time.Time
}

// Subscription is a row of user_subscriptions. A nil EndDate never expires.
type Subscription struct {
	UserID    string
	PlanID    string
	StartDate time.Time
	EndDate   *time.Time
	Status    string
}

const SubscriptionActive = "active"

// ActiveAt reports whether the subscription grants access at t.
func (s Subscription) ActiveAt(t time.Time) bool {
	if s.Status != SubscriptionActive || t.Before(s.StartDate) {
		return false
	}
	return s.EndDate == nil || t.Before(*s.EndDate)
}
