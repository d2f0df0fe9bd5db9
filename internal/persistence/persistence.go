package persistence

import "context"

// Resolver answers audience questions against the chat application's own
// records. It is read-only: business services own the data.
type Resolver interface {
	ConversationParticipants(ctx context.Context, conversationId string) ([]string, error)
	Contacts(ctx context.Context, userId string) ([]string, error)
}

// NopResolver knows no audience. It is used when no database is configured.
type NopResolver struct{}

func (NopResolver) ConversationParticipants(context.Context, string) ([]string, error) {
	return nil, nil
}

func (NopResolver) Contacts(context.Context, string) ([]string, error) {
	return nil, nil
}
