package store

import (
	"context"
	"time"
)

// Group is a multinode group known to the coordinator.
type Group struct {
	GroupName string
	GroupSize int
	CreatedOn time.Time
	ExpiresOn time.Time
}

type Client struct {
	GroupName    string
	ClientName   string
	Role         string
	RegisteredOn time.Time
}

// Message is the data one client sent under a message id.
type Message struct {
	GroupName  string
	MessageID  string
	ClientName string
	Message    map[string]string
	SentOn     time.Time
}

type GroupStore interface {
	CreateGroup(context.Context, string, int, time.Time) (*Group, error)
	ReadGroup(context.Context, string) (*Group, error)
	DeleteGroup(context.Context, string) error
	CountGroups(context.Context) (int64, error)
	RemoveExpired(context.Context, time.Time) (int64, error)
	AddClient(context.Context, string, string, string) error
	ListClients(context.Context, string) ([]Client, error)
	AddMessage(context.Context, string, string, string, map[string]string) error
	ListMessages(context.Context, string, string) ([]Message, error)
	AddSync(context.Context, string, string, string) error
	CountSyncs(context.Context, string, string) (int64, error)
}
