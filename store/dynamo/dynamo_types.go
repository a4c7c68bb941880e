package dynamo

import (
	"strings"

	"github.com/zlnvch/veiltrade/models"
)

const (
	offerIndex  = "OfferIndex"
	buyerIndex  = "BuyerIndex"
	sellerIndex = "SellerIndex"
)

type dynamoDeal struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	OfferId      string `dynamodbav:"OfferId"`
	BuyerPubkey  string `dynamodbav:"BuyerPubkey"`
	SellerPubkey string `dynamodbav:"SellerPubkey"`
	Status       string `dynamodbav:"Status"`
	Created      int64  `dynamodbav:"Created"`
	Updated      int64  `dynamodbav:"Updated,omitempty"`
}

func dealPK(dealId string) string {
	return "DEAL#" + dealId
}

// Map domain Deal -> Dynamo
func dealToDynamo(d models.Deal) dynamoDeal {
	return dynamoDeal{
		PK:           dealPK(d.Id),
		SK:           "DEAL",
		OfferId:      d.OfferId,
		BuyerPubkey:  d.BuyerPubkey,
		SellerPubkey: d.SellerPubkey,
		Status:       string(d.Status),
		Created:      d.CreatedAt,
		Updated:      d.UpdatedAt,
	}
}

// Map Dynamo -> domain Deal
func dealFromDynamo(dd dynamoDeal) models.Deal {
	return models.Deal{
		Id:           strings.TrimPrefix(dd.PK, "DEAL#"),
		OfferId:      dd.OfferId,
		BuyerPubkey:  dd.BuyerPubkey,
		SellerPubkey: dd.SellerPubkey,
		Status:       models.DealStatus(dd.Status),
		CreatedAt:    dd.Created,
		UpdatedAt:    dd.Updated,
	}
}
