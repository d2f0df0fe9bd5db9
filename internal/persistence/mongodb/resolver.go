package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goevery/chatrelay/internal/ierr"
)

const friendStatusAccepted = "accepted"

type Conversation struct {
	Id           bson.ObjectID   `bson:"_id"`
	Participants []bson.ObjectID `bson:"participants"`
}

type Friend struct {
	Id         bson.ObjectID `bson:"_id"`
	ActionUser bson.ObjectID `bson:"actionUser"`
	TargetUser bson.ObjectID `bson:"targetUser"`
	Status     string        `bson:"status"`
}

type Resolver struct {
	conversations *mongo.Collection
	friends       *mongo.Collection
}

func NewResolver(client *mongo.Client, databaseName string) *Resolver {
	database := client.Database(databaseName)

	return &Resolver{
		database.Collection("conversations"),
		database.Collection("friends"),
	}
}

// Setup creates the indexes the resolver queries rely on. Index creation is
// idempotent.
func (r *Resolver) Setup(ctx context.Context) error {
	friendIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "actionUser", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "targetUser", Value: 1}, {Key: "status", Value: 1}}},
	}

	if _, err := r.friends.Indexes().CreateMany(ctx, friendIndexes); err != nil {
		return fmt.Errorf("create friend indexes: %w", err)
	}

	return nil
}

func (r *Resolver) ConversationParticipants(ctx context.Context, conversationId string) ([]string, error) {
	id, err := objectId(conversationId)
	if err != nil {
		return nil, err
	}

	opts := options.FindOne().SetProjection(bson.D{{Key: "participants", Value: 1}})

	var conversation Conversation
	err = r.conversations.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&conversation)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ierr.New(ierr.ErrorCodeNotFound, fmt.Errorf("conversation %s not found", conversationId))
	}
	if err != nil {
		return nil, err
	}

	participants := make([]string, len(conversation.Participants))
	for i, p := range conversation.Participants {
		participants[i] = p.Hex()
	}

	return participants, nil
}

// Contacts returns the users with an accepted friendship with userId,
// whichever side initiated it.
func (r *Resolver) Contacts(ctx context.Context, userId string) ([]string, error) {
	id, err := objectId(userId)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"status": friendStatusAccepted,
		"$or": bson.A{
			bson.M{"actionUser": id},
			bson.M{"targetUser": id},
		},
	}
	opts := options.Find().SetProjection(bson.D{
		{Key: "actionUser", Value: 1},
		{Key: "targetUser", Value: 1},
	})

	result, err := r.friends.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var friends []Friend
	if err := result.All(ctx, &friends); err != nil {
		return nil, err
	}

	contacts := make([]string, 0, len(friends))
	for _, f := range friends {
		if f.ActionUser == id {
			contacts = append(contacts, f.TargetUser.Hex())
		} else {
			contacts = append(contacts, f.ActionUser.Hex())
		}
	}

	return contacts, nil
}

func objectId(hex string) (bson.ObjectID, error) {
	id, err := bson.ObjectIDFromHex(hex)
	if err != nil {
		return bson.ObjectID{}, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("invalid id %q: %w", hex, err))
	}

	return id, nil
}
