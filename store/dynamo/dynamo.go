package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/store"
)

var _ store.DealStore = (*DynamoDealStore)(nil)

type DynamoDealStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDealStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoDealStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(tables, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoDealStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoDealStore) CreateDeal(ctx context.Context, deal models.Deal) (models.Deal, error) {
	if deal.Id == "" {
		dealId, err := uuid.NewV7()
		if err != nil {
			return models.Deal{}, err
		}
		deal.Id = dealId.String()
	}
	if deal.Status == "" {
		deal.Status = models.DealActive
	}
	if deal.CreatedAt == 0 {
		deal.CreatedAt = time.Now().Unix()
	}

	if err := putNewItem(dynamoStore, ctx, dealToDynamo(deal)); err != nil {
		return models.Deal{}, err
	}
	return deal, nil
}

func (dynamoStore *DynamoDealStore) GetDeal(ctx context.Context, dealId string) (models.Deal, error) {
	dd, err := getItem[dynamoDeal](dynamoStore, ctx, dealPK(dealId), "DEAL", true)
	if err != nil {
		return models.Deal{}, err
	}
	return dealFromDynamo(dd), nil
}

func (dynamoStore *DynamoDealStore) UpdateDealStatus(ctx context.Context, dealId string, from models.DealStatus, to models.DealStatus) (models.Deal, error) {
	fields := map[string]types.AttributeValue{
		"Status":  &types.AttributeValueMemberS{Value: string(to)},
		"Updated": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	dd, err := updateFieldsIf[dynamoDeal](dynamoStore, ctx, dealPK(dealId), "DEAL", fields, "Status", string(from))
	if err != nil {
		return models.Deal{}, err
	}
	return dealFromDynamo(dd), nil
}

func (dynamoStore *DynamoDealStore) ListDealsForOffer(ctx context.Context, offerId string) ([]models.Deal, error) {
	return dynamoStore.listByIndex(ctx, offerIndex, "OfferId", offerId)
}

func (dynamoStore *DynamoDealStore) ListDealsForParticipant(ctx context.Context, pubkey string) ([]models.Deal, error) {
	buyer, err := dynamoStore.listByIndex(ctx, buyerIndex, "BuyerPubkey", pubkey)
	if err != nil {
		return nil, err
	}
	seller, err := dynamoStore.listByIndex(ctx, sellerIndex, "SellerPubkey", pubkey)
	if err != nil {
		return nil, err
	}
	deals := append(buyer, seller...)
	sortDeals(deals)
	return deals, nil
}

// listByIndex resolves GSI hits back to full items with consistent reads.
func (dynamoStore *DynamoDealStore) listByIndex(ctx context.Context, index string, field string, value string) ([]models.Deal, error) {
	pks, err := queryAllByGSI(dynamoStore, ctx, index, field, value)
	if err != nil {
		return nil, err
	}
	deals := make([]models.Deal, 0, len(pks))
	for _, pk := range pks {
		dd, err := getItem[dynamoDeal](dynamoStore, ctx, pk, "DEAL", true)
		if errors.Is(err, store.ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		deals = append(deals, dealFromDynamo(dd))
	}
	sortDeals(deals)
	return deals, nil
}

func sortDeals(deals []models.Deal) {
	sort.Slice(deals, func(i, j int) bool {
		if deals[i].CreatedAt != deals[j].CreatedAt {
			return deals[i].CreatedAt > deals[j].CreatedAt
		}
		return deals[i].Id < deals[j].Id
	})
}
