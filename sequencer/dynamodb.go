package sequencer

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/goliatone/go-relational-cache/errors"
)

// DynamoAPI is the part of the DynamoDB client the sequencer uses.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoSource is the source a dynamodb registry is created with. The table
// has a string partition key "name".
type DynamoSource struct {
	Client DynamoAPI
	Table  string
}

// Dynamo increments a numeric attribute atomically with an ADD update.
type Dynamo struct {
	name string
	src  DynamoSource
}

// NewDynamo returns a sequencer stored in src.Table.
func NewDynamo(name string, src DynamoSource) *Dynamo {
	return &Dynamo{name: name, src: src}
}

func (d *Dynamo) Name() string { return d.name }

func (d *Dynamo) Next(ctx context.Context) (int64, error) {
	out, err := d.src.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.src.Table),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: d.name},
		},
		UpdateExpression: aws.String("ADD next_value :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, errors.Persistence("next", d.name, errors.Mark(err, errors.Transient, "dynamodb sequence"))
	}

	attr, ok := out.Attributes["next_value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.Persistence("next", d.name, errors.New(errors.Store, "dynamodb returned no next_value"))
	}
	v, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, errors.Persistence("next", d.name, errors.Mark(err, errors.Store, "parsing next_value"))
	}
	return v, nil
}

func init() {
	Register("dynamodb", Constructor{
		WithSource: func(name string, source any) (Sequencer, error) {
			src, ok := source.(DynamoSource)
			if !ok || src.Client == nil || src.Table == "" {
				return nil, sourceError("dynamodb", source)
			}
			return NewDynamo(name, src), nil
		},
	})
}
