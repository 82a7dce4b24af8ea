// Package events публикует события реестра DonationReceived и FundsDistributed
// и доставляет их подписчикам через Redis Streams или Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

// Kind — тип события реестра.
type Kind string

const (
	KindDonationReceived Kind = "DonationReceived"
	KindFundsDistributed Kind = "FundsDistributed"
)

// Event — событие реестра. Для FundsDistributed заполнены DistributionID, ApplicationID и Beneficiary.
type Event struct {
	Kind           Kind      `json:"kind"`
	DonationID     int64     `json:"donation_id"`
	CampaignID     int64     `json:"campaign_id"`
	DistributionID int64     `json:"distribution_id,omitempty"`
	ApplicationID  string    `json:"application_id,omitempty"`
	Donor          string    `json:"donor,omitempty"`
	Beneficiary    string    `json:"beneficiary,omitempty"`
	Amount         int64     `json:"amount"`
	At             time.Time `json:"at"`
}

// DonationReceived строит событие по записанному пожертвованию.
func DonationReceived(d model.Donation) Event {
	return Event{
		Kind:       KindDonationReceived,
		DonationID: d.ID,
		CampaignID: d.CampaignID,
		Donor:      d.DonorID,
		Amount:     d.Amount,
		At:         d.CreatedAt,
	}
}

// FundsDistributed строит событие по записанному распределению.
func FundsDistributed(d model.Distribution) Event {
	return Event{
		Kind:           KindFundsDistributed,
		DonationID:     d.DonationID,
		CampaignID:     d.CampaignID,
		DistributionID: d.ID,
		ApplicationID:  d.ApplicationID,
		Beneficiary:    d.BeneficiaryAddress,
		Amount:         d.Amount,
		At:             d.CreatedAt,
	}
}

// Distribution восстанавливает распределение из события FundsDistributed.
func (e Event) Distribution() model.Distribution {
	return model.Distribution{
		ID:                 e.DistributionID,
		DonationID:         e.DonationID,
		CampaignID:         e.CampaignID,
		ApplicationID:      e.ApplicationID,
		BeneficiaryAddress: e.Beneficiary,
		Amount:             e.Amount,
		CreatedAt:          e.At,
	}
}

// key — ключ партиционирования: события одного пожертвования идут по порядку.
func (e Event) key() string {
	return strconv.FormatInt(e.DonationID, 10)
}

func encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Publisher публикует события. Ошибка публикации не отменяет записанное в реестре.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Handler обрабатывает доставленное событие. Ошибка оставляет событие неподтверждённым.
type Handler func(ctx context.Context, e Event) error

// Subscriber доставляет события обработчику до отмены контекста.
type Subscriber interface {
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Nop не публикует ничего. Используется без брокера.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close ничего не делает.
func (Nop) Close() error { return nil }
