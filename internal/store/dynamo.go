package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"geoattest/internal/checks"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoHistory.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoHistory keeps location history in a DynamoDB table keyed by
// subject_id (partition) and sk (sort). Sort keys are zero-padded recording
// times so a reverse query returns the newest entries first.
type DynamoHistory struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type dynamoHistoryItem struct {
	SubjectID  string                `dynamodbav:"subject_id"`
	SortKey    string                `dynamodbav:"sk"`
	ID         int64                 `dynamodbav:"id"`
	Sample     checks.LocationSample `dynamodbav:"sample"`
	DistanceKm float64               `dynamodbav:"distance_km"`
	SpeedKmh   float64               `dynamodbav:"speed_kmh"`
	ElapsedMs  int64                 `dynamodbav:"elapsed_ms"`
	RecordedAt int64                 `dynamodbav:"recorded_at_ns"`
	ExpiresAt  int64                 `dynamodbav:"expires_at,omitempty"`
}

// NewDynamoHistory creates a history store on tableName. A positive ttl sets
// the expires_at attribute for DynamoDB TTL expiry.
func NewDynamoHistory(client DynamoAPI, tableName string, ttl time.Duration) *DynamoHistory {
	return &DynamoHistory{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

// OpenDynamoHistory creates a DynamoHistory using the default AWS credential
// chain.
func OpenDynamoHistory(ctx context.Context, region, tableName string, ttl time.Duration) (*DynamoHistory, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamoHistory(dynamodb.NewFromConfig(cfg), tableName, ttl), nil
}

// AppendHistory stores entry and sets its ID and RecordedAt.
func (d *DynamoHistory) AppendHistory(ctx context.Context, entry *checks.HistoryEntry) error {
	if d.client == nil {
		return fmt.Errorf("DynamoDB client not initialized")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = d.now()
	}
	ns := entry.RecordedAt.UnixNano()

	item := dynamoHistoryItem{
		SubjectID:  entry.Sample.SubjectID,
		SortKey:    fmt.Sprintf("%020d#%s", ns, uuid.NewString()),
		ID:         ns,
		Sample:     entry.Sample,
		DistanceKm: entry.DistanceKm,
		SpeedKmh:   entry.SpeedKmh,
		ElapsedMs:  entry.ElapsedMs,
		RecordedAt: ns,
	}
	if d.ttl > 0 {
		item.ExpiresAt = entry.RecordedAt.Add(d.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal history item: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put history item: %w", err)
	}

	entry.ID = ns
	return nil
}

// LatestHistory returns the newest entry for subjectID, or nil.
func (d *DynamoHistory) LatestHistory(ctx context.Context, subjectID string) (*checks.HistoryEntry, error) {
	entries, err := d.query(ctx, subjectID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// MaxDynamoQueryLimit caps the items requested by one history query.
const MaxDynamoQueryLimit = 1000

// RecentHistory returns up to limit of the newest entries, oldest first.
// Limits above MaxDynamoQueryLimit are capped.
func (d *DynamoHistory) RecentHistory(ctx context.Context, subjectID string, limit int) ([]checks.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	limit = min(limit, MaxDynamoQueryLimit)
	entries, err := d.query(ctx, subjectID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// query returns up to limit entries, newest first.
func (d *DynamoHistory) query(ctx context.Context, subjectID string, limit int) ([]checks.HistoryEntry, error) {
	if d.client == nil {
		return nil, fmt.Errorf("DynamoDB client not initialized")
	}

	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("subject_id = :sid"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":sid": &dynamodbtypes.AttributeValueMemberS{Value: subjectID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	entries := make([]checks.HistoryEntry, 0, len(out.Items))
	for _, av := range out.Items {
		var item dynamoHistoryItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal history item: %w", err)
		}
		entries = append(entries, checks.HistoryEntry{
			ID:         item.ID,
			Sample:     item.Sample,
			DistanceKm: item.DistanceKm,
			SpeedKmh:   item.SpeedKmh,
			ElapsedMs:  item.ElapsedMs,
			RecordedAt: time.Unix(0, item.RecordedAt).UTC(),
		})
	}
	return entries, nil
}
