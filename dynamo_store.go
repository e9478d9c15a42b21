package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore implements SettingsStore on DynamoDB. It backs the sync storage area.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a DynamoDB client and returns a DynamoStore.
func NewDynamoStore(ctx context.Context, cfg Config) (*DynamoStore, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.AWSRegion))

	if cfg.DynamoEndpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.DynamoEndpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &DynamoStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.DynamoTableName,
	}, nil
}

func (s *DynamoStore) key(ownerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "OWNER#" + ownerID},
	}
}

func (s *DynamoStore) Load(ctx context.Context, ownerID string, keys []string) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(ownerID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storageErr("load", fmt.Errorf("GetItem: %w", err))
	}

	stored, err := unmarshalSettings(out.Item)
	if err != nil {
		return nil, storageErr("load", err)
	}
	if len(keys) == 0 {
		return stored, nil
	}

	picked := make(Record, len(keys))
	for _, k := range keys {
		if v, ok := stored[k]; ok {
			picked[k] = v
		}
	}
	return picked, nil
}

// Save writes every field with one UpdateItem, so either all of them land or none do.
func (s *DynamoStore) Save(ctx context.Context, ownerID string, record Record) error {
	if len(record) == 0 {
		return nil
	}
	if err := checkQuota(record); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// The settings map has to exist before nested paths can be set, so the first
	// write of an owner replaces the whole map instead.
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(ownerID),
		UpdateExpression:          aws.String("SET settings = :all, updatedAt = :now, createdAt = :now"),
		ConditionExpression:       aws.String("attribute_not_exists(settings)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":all": marshalSettings(record),
			":now": &types.AttributeValueMemberS{Value: now},
		},
	})
	if err == nil {
		return nil
	}
	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return storageErr("save", fmt.Errorf("UpdateItem: %w", err))
	}

	// SET settings.#k1 = :v1, settings.#k2 = :v2, ..., updatedAt = :now
	exprNames := make(map[string]string, len(record))
	exprValues := make(map[string]types.AttributeValue, len(record)+1)

	updateExpr := "SET "
	i := 0
	for k, v := range record {
		nameKey := fmt.Sprintf("#k%d", i)
		valKey := fmt.Sprintf(":v%d", i)

		exprNames[nameKey] = k
		exprValues[valKey] = &types.AttributeValueMemberS{Value: v}

		updateExpr += fmt.Sprintf("settings.%s = %s, ", nameKey, valKey)
		i++
	}
	updateExpr += "updatedAt = :now"
	exprValues[":now"] = &types.AttributeValueMemberS{Value: now}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(ownerID),
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		return storageErr("save", fmt.Errorf("UpdateItem: %w", err))
	}

	return nil
}

func (s *DynamoStore) Clear(ctx context.Context, ownerID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	exprNames := make(map[string]string, len(keys))
	updateExpr := "REMOVE "
	for i, k := range keys {
		nameKey := fmt.Sprintf("#k%d", i)
		exprNames[nameKey] = k
		if i > 0 {
			updateExpr += ", "
		}
		updateExpr += "settings." + nameKey
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.key(ownerID),
		UpdateExpression:         &updateExpr,
		ExpressionAttributeNames: exprNames,
		ConditionExpression:      aws.String("attribute_exists(settings)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Nothing stored yet, nothing to clear.
			return nil
		}
		return storageErr("clear", fmt.Errorf("UpdateItem (REMOVE): %w", err))
	}

	return nil
}

func marshalSettings(record Record) *types.AttributeValueMemberM {
	m := make(map[string]types.AttributeValue, len(record))
	for k, v := range record {
		m[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberM{Value: m}
}

// unmarshalSettings extracts the settings map from a DynamoDB item.
func unmarshalSettings(item map[string]types.AttributeValue) (Record, error) {
	result := make(Record)
	attr, ok := item["settings"]
	if !ok {
		return result, nil
	}

	m, ok := attr.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("settings attribute is not a map")
	}

	for k, v := range m.Value {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		result[k] = sv.Value
	}

	return result, nil
}
