package mongodb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goevery/chatrelay/internal/ierr"
)

func TestResolver_InvalidIds(t *testing.T) {
	resolver := &Resolver{}

	_, err := resolver.ConversationParticipants(context.Background(), "not-an-object-id")
	assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))

	_, err = resolver.Contacts(context.Background(), "u1")
	assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
}
