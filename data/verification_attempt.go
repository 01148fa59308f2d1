package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// VerificationAttempt is the audit record of one submission to the verification
// backend. Biometric data is never stored, only the digest of the payload.
type VerificationAttempt struct {
	FlowID         string    `dynamodbav:"FlowID"`
	AttemptedAt    time.Time `dynamodbav:"AttemptedAt"`
	WalletAddress  string    `dynamodbav:"WalletAddress"`
	PayloadDigest  string    `dynamodbav:"PayloadDigest"`
	Authenticated  bool      `dynamodbav:"Authenticated"`
	RequireProfile bool      `dynamodbav:"RequireProfile"`
	Redirected     bool      `dynamodbav:"Redirected"`
	ExpiresAt      int64     `dynamodbav:"ExpiresAt,omitempty"`
}

func (a *VerificationAttempt) DatabaseKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"FlowID":      &types.AttributeValueMemberS{Value: a.FlowID},
		"AttemptedAt": &types.AttributeValueMemberS{Value: a.AttemptedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func NewPayloadDigest(digest []byte) string {
	return hexutil.Encode(digest)
}

type VerificationAttemptIndices struct {
	ByWallet string
}

type VerificationAttemptTable struct {
	db       DB
	tableARN string
	indices  VerificationAttemptIndices
	// retention is how long attempts are kept before the table TTL removes them.
	retention time.Duration
}

func NewVerificationAttemptTable(db DB, tableARN string, indices VerificationAttemptIndices, retention time.Duration) *VerificationAttemptTable {
	return &VerificationAttemptTable{
		db:        db,
		tableARN:  tableARN,
		indices:   indices,
		retention: retention,
	}
}

func (t *VerificationAttemptTable) TableARN() string {
	return t.tableARN
}

func (t *VerificationAttemptTable) Put(ctx context.Context, attempt *VerificationAttempt) error {
	if attempt.FlowID == "" {
		return fmt.Errorf("flow id is required")
	}
	if attempt.AttemptedAt.IsZero() {
		return fmt.Errorf("attempt time is required")
	}

	attempt.WalletAddress = strings.ToLower(attempt.WalletAddress)
	attempt.AttemptedAt = attempt.AttemptedAt.UTC()
	if t.retention > 0 {
		attempt.ExpiresAt = attempt.AttemptedAt.Add(t.retention).Unix()
	}

	av, err := attributevalue.MarshalMap(attempt)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	input := &dynamodb.PutItemInput{
		TableName: &t.tableARN,
		Item:      av,
	}
	if _, err := t.db.PutItem(ctx, input); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (t *VerificationAttemptTable) Get(ctx context.Context, flowID string, attemptedAt time.Time) (*VerificationAttempt, bool, error) {
	key := (&VerificationAttempt{FlowID: flowID, AttemptedAt: attemptedAt}).DatabaseKey()
	out, err := t.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &t.tableARN,
		Key:       key,
	})
	if err != nil {
		return nil, false, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	var attempt VerificationAttempt
	if err := attributevalue.UnmarshalMap(out.Item, &attempt); err != nil {
		return nil, false, fmt.Errorf("unmarshal result: %w", err)
	}
	return &attempt, true, nil
}

// ListByWallet returns the most recent attempts made with walletAddress, newest first.
func (t *VerificationAttemptTable) ListByWallet(ctx context.Context, walletAddress string, limit int32) ([]*VerificationAttempt, error) {
	if t.indices.ByWallet == "" {
		return nil, fmt.Errorf("wallet index is not configured")
	}
	out, err := t.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              &t.tableARN,
		IndexName:              &t.indices.ByWallet,
		KeyConditionExpression: aws.String("WalletAddress = :walletAddress"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":walletAddress": &types.AttributeValueMemberS{Value: strings.ToLower(walletAddress)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	attempts := make([]*VerificationAttempt, 0, len(out.Items))
	for _, item := range out.Items {
		var attempt VerificationAttempt
		if err := attributevalue.UnmarshalMap(item, &attempt); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		attempts = append(attempts, &attempt)
	}
	return attempts, nil
}
