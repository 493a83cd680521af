package webhook

import (
	"context"

	"github.com/mattjoyce/isca/internal/action"
)

//go:generate mockgen -destination=mocks/mock_webhook.go -package=mocks github.com/mattjoyce/isca/internal/webhook ActionRunner,Processor

// ActionRunner runs a before or after action.
type ActionRunner interface {
	Run(ctx context.Context, inv action.Invocation) error
}

// Processor consumes an accepted push delivery.
type Processor interface {
	Process(ctx context.Context, delivery Delivery) error
}

// Delivery is an accepted, verified push.
type Delivery struct {
	ID    string
	Event string
	Push  PushEvent
	Raw   []byte
}

// PushEvent is the subset of the push payload the receiver understands.
type PushEvent struct {
	Ref        string     `json:"ref"`
	Before     string     `json:"before"`
	After      string     `json:"after"`
	Repository Repository `json:"repository"`
	Pusher     Pusher     `json:"pusher"`
	Commits    []Commit   `json:"commits"`
}

type Repository struct {
	FullName string `json:"full_name"`
}

type Pusher struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	URL     string `json:"url"`
}

// StatusResponse is the JSON body of non-error responses.
type StatusResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// ErrorResponse is the JSON body of error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Event names carried in X-GitHub-Event.
const (
	EventPush = "push"
	EventPing = "ping"
)

const stageProcess = "process"
