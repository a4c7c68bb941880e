package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zlnvch/veiltrade/models"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxPriceLength       = 64
	maxMessageLength     = 4000
	maxDisplayNameLength = 64
)

type OfferInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

func ValidateOfferInput(in OfferInput) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return fmt.Errorf("%w: offer title is required", models.ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("%w: offer title too long", models.ErrValidation)
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: offer description too long", models.ErrValidation)
	}
	if utf8.RuneCountInString(in.Price) > maxPriceLength {
		return fmt.Errorf("%w: price too long", models.ErrValidation)
	}
	return nil
}

func ValidateMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: empty message", models.ErrValidation)
	}
	if utf8.RuneCountInString(message) > maxMessageLength {
		return fmt.Errorf("%w: message too long", models.ErrValidation)
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return fmt.Errorf("%w: display name too long", models.ErrValidation)
	}
	if strings.ContainsAny(name, "\n\r\t") {
		return fmt.Errorf("%w: display name must be a single line", models.ErrValidation)
	}
	return nil
}

// ValidateChannelId accepts the 64-char hex ids produced by DeriveChannelID
// and the uuid room ids of deals.
func ValidateChannelId(channelId string) error {
	if channelId == "" || len(channelId) > 64 {
		return fmt.Errorf("%w: bad channel id", models.ErrValidation)
	}
	for _, r := range channelId {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r == '-') {
			return fmt.Errorf("%w: bad channel id", models.ErrValidation)
		}
	}
	return nil
}
