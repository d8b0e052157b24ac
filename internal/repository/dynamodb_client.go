package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coach-relay/internal/domain"
)

const skPrefixMsg = "MSG#"

// DynamoAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoClient stores conversation messages in a single DynamoDB table keyed
// by conversation, sorted by creation time.
type DynamoClient struct {
	api       DynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamo creates a new DynamoClient.
func NewDynamo(api DynamoAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message. The id suffix keeps two messages
// created in the same instant distinct.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

// Ready implements MessageWriter; the table name is validated at construction.
func (c *DynamoClient) Ready(_ context.Context) error {
	return nil
}

// InsertMessage writes a new message item. The write fails rather than
// overwrite an existing item with the same key.
func (c *DynamoClient) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := validateMessage(msg); err != nil {
		return domain.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now().UTC()
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentText
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: InsertMessage: %w", err)
	}
	return msg, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"senderId":       &types.AttributeValueMemberS{Value: msg.SenderID},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"contentType":    &types.AttributeValueMemberS{Value: msg.ContentType},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}
