package statestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mbd888/cardguard/internal/txn"
)

// DynamoDB partition key attribute names.
const (
	dynamoLookupKey = "card_id"
	dynamoLedgerKey = "row_key"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoConfig names the tables and the endpoint. Endpoint is only set for
// DynamoDB Local and similar emulators.
type DynamoConfig struct {
	Region      string
	Endpoint    string
	LookupTable string
	LedgerTable string
}

// DynamoStore keeps lookup records and ledger rows in two DynamoDB tables.
// Attributes are written as strings; numeric attributes written by other
// tools are read as their decimal text.
type DynamoStore struct {
	client      DynamoAPI
	lookupTable string
	ledgerTable string
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoStore creates a DynamoDB-backed state store.
func NewDynamoStore(client DynamoAPI, lookupTable, ledgerTable string) *DynamoStore {
	return &DynamoStore{client: client, lookupTable: lookupTable, ledgerTable: ledgerTable}
}

// EnsureTables creates the lookup and ledger tables with on-demand billing if
// they don't exist yet.
func (s *DynamoStore) EnsureTables(ctx context.Context) error {
	for _, t := range []struct{ name, key string }{
		{s.lookupTable, dynamoLookupKey},
		{s.ledgerTable, dynamoLedgerKey},
	} {
		_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
		if err == nil {
			continue
		}
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return classifyDynamo("describe table", err)
		}
		_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(t.name),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(t.key), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(t.key), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return classifyDynamo("create table", err)
		}
	}
	return nil
}

func (s *DynamoStore) GetCardState(ctx context.Context, cardID string) (CardState, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.lookupTable),
		Key:            map[string]types.AttributeValue{dynamoLookupKey: &types.AttributeValueMemberS{Value: cardID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return CardState{}, classifyDynamo("get card state", err)
	}
	if len(out.Item) == 0 {
		return CardState{}, nil
	}

	fields, wrongType := dynamoFields(out.Item)
	state, err := DecodeCardState(fields)
	if len(wrongType) == 0 {
		return state, err
	}

	// A wrong-typed attribute is corrupt on its own; the rest still decode.
	for _, name := range wrongType {
		switch name {
		case FieldScore:
			state.Score = math.NaN()
		case FieldUCL:
			state.UCL = math.NaN()
		case FieldPostcode, FieldTransactionDt:
			state.Last = nil
		}
	}
	if err != nil {
		return state, fmt.Errorf("%w; card %s: wrong attribute type for %s", err, cardID, strings.Join(wrongType, ", "))
	}
	return state, fmt.Errorf("%w: card %s: wrong attribute type for %s", ErrCorrupt, cardID, strings.Join(wrongType, ", "))
}

// dynamoFields reads the S and N attributes of a lookup item as text,
// skipping the partition key. Names of attributes with any other type are
// returned sorted in wrongType.
func dynamoFields(item map[string]types.AttributeValue) (fields map[string]string, wrongType []string) {
	fields = make(map[string]string, len(item))
	for name, av := range item {
		if name == dynamoLookupKey {
			continue
		}
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			fields[name] = v.Value
		case *types.AttributeValueMemberN:
			fields[name] = v.Value
		default:
			wrongType = append(wrongType, name)
		}
	}
	sort.Strings(wrongType)
	return fields, wrongType
}

// PutCardState writes the whole item, so absent position attributes are
// removed along with the previous version.
func (s *DynamoStore) PutCardState(ctx context.Context, cardID string, state CardState) error {
	fields := EncodeCardState(state)
	fields[dynamoLookupKey] = cardID
	item, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return fmt.Errorf("statestore: marshal card state: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.lookupTable),
		Item:      item,
	})
	if err != nil {
		return classifyDynamo("put card state", err)
	}
	return nil
}

// AppendTransaction inserts the row only if its key is new. A failed
// condition means the row was already written and counts as success.
func (s *DynamoStore) AppendTransaction(ctx context.Context, row *txn.Scored) error {
	fields := EncodeScored(row)
	fields[dynamoLedgerKey] = row.Key
	item, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return fmt.Errorf("statestore: marshal ledger row: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.ledgerTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": dynamoLedgerKey,
		},
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return nil
	}
	if err != nil {
		return classifyDynamo("append transaction", err)
	}
	return nil
}

// Ping checks that the lookup table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.lookupTable)})
	if err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// classifyDynamo treats request validation failures and missing tables as
// permanent. Everything else, including throttling, is ErrUnavailable.
func classifyDynamo(op string, err error) error {
	var (
		notFound *types.ResourceNotFoundException
		tooLarge *types.ItemCollectionSizeLimitExceededException
	)
	if errors.As(err, &notFound) || errors.As(err, &tooLarge) {
		return fmt.Errorf("statestore: %s: %w", op, err)
	}
	return unavailable(op, err)
}
