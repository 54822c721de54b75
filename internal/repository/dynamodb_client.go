// Package repository persists panel conversations: messages, session
// metadata, digests and metrics snapshots.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"multiai-chat/internal/codec"
	"multiai-chat/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixSnap = "SNAP#"
	skMeta       = "META#"
	skDigest     = "DIGEST#"
	pkMetrics    = "METRICS#"

	defaultHistoryLimit = 50
	ttlDuration         = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHistoryLimit caps the number of messages History returns.
func WithHistoryLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client stores conversations in a single DynamoDB table keyed by
// SESSION#<id>.
type Client struct {
	api          dynamodbAPI
	tableName    string
	historyLimit int
	now          func() time.Time
}

var (
	_ Store         = (*Client)(nil)
	_ DigestStore   = (*Client)(nil)
	_ SnapshotStore = (*Client)(nil)
)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, historyLimit: defaultHistoryLimit, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK sorts messages by timestamp; the message ID breaks ties between
// responses completing in the same instant.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func validSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: session id is required")
	}
	return nil
}

// Append writes one message. Writing the same message twice fails.
func (c *Client) Append(ctx context.Context, sessionID string, msg domain.Message) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		return errors.New("repository: Append: message id and timestamp are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.messageItem(sessionID, msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// Save records the session's last activity and latest turn. A write carrying
// an older turn than the stored one is dropped.
func (c *Client) Save(ctx context.Context, sessionID string, meta SessionMeta) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	turn := strconv.Itoa(meta.LastTurn)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK":           &types.AttributeValueMemberS{Value: skMeta},
			"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
			"lastActivity": &types.AttributeValueMemberS{Value: meta.LastActivity.UTC().Format(time.RFC3339Nano)},
			"lastTurn":     &types.AttributeValueMemberN{Value: turn},
			"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lastTurn) OR lastTurn <= :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: turn},
		},
	})
	if err != nil {
		var older *types.ConditionalCheckFailedException
		if errors.As(err, &older) {
			return nil
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Meta returns the bookkeeping recorded by the latest Save.
func (c *Client) Meta(ctx context.Context, sessionID string) (SessionMeta, bool, error) {
	item, err := c.getItem(ctx, sessionID, skMeta)
	if err != nil {
		return SessionMeta{}, false, fmt.Errorf("repository: Meta: %w", err)
	}
	if item == nil {
		return SessionMeta{}, false, nil
	}
	at, err := timeAttr(item, "lastActivity")
	if err != nil {
		return SessionMeta{}, false, fmt.Errorf("repository: Meta: %w", err)
	}
	meta := SessionMeta{LastActivity: at}
	// Items written before turns were tracked carry no counter.
	if _, ok := item["lastTurn"]; ok {
		if meta.LastTurn, err = intAttr(item, "lastTurn"); err != nil {
			return SessionMeta{}, false, fmt.Errorf("repository: Meta: %w", err)
		}
	}
	return meta, true, nil
}

// History returns the most recent messages of a session in chronological
// order.
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(c.historyLimit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: History unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveDigest replaces the stored digest of a session when d is newer.
func (c *Client) SaveDigest(ctx context.Context, sessionID string, d domain.DigestData) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	payload, err := codec.EncodeDigest(d)
	if err != nil {
		return fmt.Errorf("repository: SaveDigest: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK":      &types.AttributeValueMemberS{Value: skDigest},
			"version": &types.AttributeValueMemberN{Value: strconv.Itoa(d.Version)},
			"payload": &types.AttributeValueMemberB{Value: payload},
			"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
		// Never overwrite a newer digest.
		ConditionExpression: aws.String("attribute_not_exists(PK) OR version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.Itoa(d.Version)},
		},
	})
	if err != nil {
		var stale *types.ConditionalCheckFailedException
		if errors.As(err, &stale) {
			return fmt.Errorf("repository: SaveDigest v%d: %w", d.Version, ErrStaleDigest)
		}
		return fmt.Errorf("repository: SaveDigest: %w", err)
	}
	return nil
}

// LoadDigest returns the stored digest of a session.
func (c *Client) LoadDigest(ctx context.Context, sessionID string) (domain.DigestData, bool, error) {
	item, err := c.getItem(ctx, sessionID, skDigest)
	if err != nil {
		return domain.DigestData{}, false, fmt.Errorf("repository: LoadDigest: %w", err)
	}
	if item == nil {
		return domain.DigestData{}, false, nil
	}
	payload, err := binAttr(item, "payload")
	if err != nil {
		return domain.DigestData{}, false, fmt.Errorf("repository: LoadDigest: %w", err)
	}
	d, err := codec.DecodeDigest(payload)
	if err != nil {
		return domain.DigestData{}, false, fmt.Errorf("repository: LoadDigest: %w", err)
	}
	return d, true, nil
}

// SaveMetricsSnapshot stores a CBOR-encoded copy of the metrics buffer.
func (c *Client) SaveMetricsSnapshot(ctx context.Context, entries []domain.TurnMetrics, at time.Time) error {
	payload, err := codec.EncodeSnapshot(entries, at)
	if err != nil {
		return fmt.Errorf("repository: SaveMetricsSnapshot: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: pkMetrics},
			"SK":      &types.AttributeValueMemberS{Value: skPrefixSnap + at.UTC().Format(time.RFC3339Nano)},
			"count":   &types.AttributeValueMemberN{Value: strconv.Itoa(len(entries))},
			"payload": &types.AttributeValueMemberB{Value: payload},
			"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMetricsSnapshot: %w", err)
	}
	return nil
}

// LatestMetricsSnapshot returns the most recently stored snapshot.
func (c *Client) LatestMetricsSnapshot(ctx context.Context) (codec.MetricsSnapshot, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pkMetrics},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixSnap},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return codec.MetricsSnapshot{}, false, fmt.Errorf("repository: LatestMetricsSnapshot query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return codec.MetricsSnapshot{}, false, nil
	}
	payload, err := binAttr(out.Items[0], "payload")
	if err != nil {
		return codec.MetricsSnapshot{}, false, fmt.Errorf("repository: LatestMetricsSnapshot: %w", err)
	}
	snap, err := codec.DecodeSnapshot(payload)
	if err != nil {
		return codec.MetricsSnapshot{}, false, fmt.Errorf("repository: LatestMetricsSnapshot: %w", err)
	}
	return snap, true, nil
}

func (c *Client) getItem(ctx context.Context, sessionID, sk string) (map[string]types.AttributeValue, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (c *Client) messageItem(sessionID string, msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(msg.Timestamp, msg.ID)},
		"id":         &types.AttributeValueMemberS{Value: msg.ID},
		"sessionId":  &types.AttributeValueMemberS{Value: sessionID},
		"content":    &types.AttributeValueMemberS{Value: msg.Content},
		"timestamp":  &types.AttributeValueMemberS{Value: msg.Timestamp.UTC().Format(time.RFC3339Nano)},
		"isFromUser": &types.AttributeValueMemberBOOL{Value: msg.IsFromUser},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
	if msg.BackendID != "" {
		item["backendId"] = &types.AttributeValueMemberS{Value: string(msg.BackendID)}
	}
	if msg.TurnID != "" {
		item["turnId"] = &types.AttributeValueMemberS{Value: msg.TurnID}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	fromUser, err := boolAttr(item, "isFromUser")
	if err != nil {
		return domain.Message{}, err
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty
	backendID, _ := strAttr(item, "backendId") // absent for user messages
	turnID, _ := strAttr(item, "turnId")

	return domain.Message{
		ID:         id,
		SessionID:  sessionID,
		Content:    content,
		Timestamp:  ts,
		IsFromUser: fromUser,
		BackendID:  domain.BackendID(backendID),
		TurnID:     turnID,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func binAttr(item map[string]types.AttributeValue, key string) ([]byte, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not binary", key)
	}
	return b.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	i, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return i, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
