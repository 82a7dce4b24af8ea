// Package reconcile сводит состояние реестра и хранилища заявок в производные представления.
// Build — чистая функция: одинаковый снимок всегда даёт одинаковое представление.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mmeshcher/donation-ledger/internal/amount"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

// Snapshot — согласованный по области набор данных обоих хранилищ.
// CoversApplications означает, что Distributions содержит все распределения по заявкам снимка.
type Snapshot struct {
	Campaigns          []model.Campaign
	Donations          []model.Donation
	Distributions      []model.Distribution
	Applications       []model.Application
	CoversApplications bool
}

// DonationView — пожертвование с производным статусом.
type DonationView struct {
	model.Donation
	Status      model.DonationStatus `json:"status"`
	Available   int64                `json:"available"`
	ProgressBP  int64                `json:"progress_bp"`
	Distributed int64                `json:"distributed"`
}

// CampaignStats — итоги кампании по реестру.
type CampaignStats struct {
	CampaignID       int64  `json:"campaign_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	Active           bool   `json:"active"`
	Goal             int64  `json:"goal"`
	AmountRaised     int64  `json:"amount_raised"`
	TotalReceived    int64  `json:"total_received"`
	TotalDistributed int64  `json:"total_distributed"`
	DonationCount    int    `json:"donation_count"`
}

// ApplicationView — заявка с суммой, полученной по реестру.
// ProjectionLag означает, что в реестре есть распределение, ещё не отражённое в заявке.
type ApplicationView struct {
	model.Application
	FundedAmount  int64 `json:"funded_amount"`
	ProjectionLag bool  `json:"projection_lag"`
}

// DonorStats — итоги донора.
type DonorStats struct {
	DonorID            string `json:"donor_id"`
	TotalDonated       int64  `json:"total_donated"`
	CampaignsSupported int    `json:"campaigns_supported"`
}

// MismatchKind — вид расхождения.
type MismatchKind string

const (
	// MismatchDistributionSum — сумма распределений пожертвования не равна AmountUsed.
	MismatchDistributionSum MismatchKind = "distribution_sum"
	// MismatchUsedOutOfRange — AmountUsed вне [0, Amount].
	MismatchUsedOutOfRange MismatchKind = "used_out_of_range"
	// MismatchFundedWithoutDistribution — заявка Funded, но ни одно распределение на неё не ссылается.
	MismatchFundedWithoutDistribution MismatchKind = "funded_without_distribution"
	// MismatchUnknownDistribution — заявка ссылается на распределение, которого нет в реестре.
	MismatchUnknownDistribution MismatchKind = "unknown_distribution"
)

// Mismatch описывает одно расхождение.
type Mismatch struct {
	Kind          MismatchKind `json:"kind"`
	DonationID    int64        `json:"donation_id,omitempty"`
	ApplicationID string       `json:"application_id,omitempty"`
	Detail        string       `json:"detail"`
}

// View — производное представление снимка.
type View struct {
	Donations          []DonationView       `json:"donations"`
	Campaigns          []CampaignStats      `json:"campaigns"`
	Applications       []ApplicationView    `json:"applications"`
	Donors             []DonorStats         `json:"donors"`
	PendingProjections []model.Distribution `json:"pending_projections,omitempty"`
	Mismatches         []Mismatch           `json:"mismatches,omitempty"`
}

// Err возвращает ошибку ErrReconciliationMismatch, если в представлении есть расхождения.
func (v View) Err() error {
	if len(v.Mismatches) == 0 {
		return nil
	}
	errs := make([]error, 0, len(v.Mismatches))
	for _, m := range v.Mismatches {
		errs = append(errs, fmt.Errorf("%s: %s", m.Kind, m.Detail))
	}
	return fmt.Errorf("%w: %w", model.ErrReconciliationMismatch, errors.Join(errs...))
}

// Build строит представление снимка. epsilon — допуск завершения в минимальных единицах.
func Build(s Snapshot, epsilon int64) View {
	var v View

	byDonation := make(map[int64][]model.Distribution)
	byApplication := make(map[string][]model.Distribution)
	distributionIDs := make(map[int64]struct{}, len(s.Distributions))
	for _, d := range s.Distributions {
		byDonation[d.DonationID] = append(byDonation[d.DonationID], d)
		byApplication[d.ApplicationID] = append(byApplication[d.ApplicationID], d)
		distributionIDs[d.ID] = struct{}{}
	}

	donations := sortedDonations(s.Donations)
	for _, d := range donations {
		var distributed int64
		for _, dist := range byDonation[d.ID] {
			distributed += dist.Amount
		}
		v.Donations = append(v.Donations, DonationView{
			Donation:    d,
			Status:      model.StatusOf(d, epsilon),
			Available:   d.Available(),
			ProgressBP:  amount.BasisPoints(d.AmountUsed, d.Amount),
			Distributed: distributed,
		})

		if d.AmountUsed < 0 || d.AmountUsed > d.Amount {
			v.Mismatches = append(v.Mismatches, Mismatch{
				Kind:       MismatchUsedOutOfRange,
				DonationID: d.ID,
				Detail:     fmt.Sprintf("donation %d used %d of %d", d.ID, d.AmountUsed, d.Amount),
			})
		}
		if distributed != d.AmountUsed {
			v.Mismatches = append(v.Mismatches, Mismatch{
				Kind:       MismatchDistributionSum,
				DonationID: d.ID,
				Detail:     fmt.Sprintf("donation %d distributions sum %d, used %d", d.ID, distributed, d.AmountUsed),
			})
		}
	}

	v.Campaigns = campaignStats(s.Campaigns, donations)
	v.Donors = donorStats(donations)
	v.Applications, v.PendingProjections, v.Mismatches = applicationViews(s, byApplication, distributionIDs, v.Mismatches)

	return v
}

func campaignStats(campaigns []model.Campaign, donations []model.Donation) []CampaignStats {
	stats := make([]CampaignStats, 0, len(campaigns))
	index := make(map[int64]int, len(campaigns))

	sorted := append([]model.Campaign(nil), campaigns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, c := range sorted {
		index[c.ID] = len(stats)
		stats = append(stats, CampaignStats{
			CampaignID:   c.ID,
			OwnerID:      c.OwnerID,
			Title:        c.Title,
			Active:       c.Active,
			Goal:         c.Goal,
			AmountRaised: c.AmountRaised,
		})
	}

	for _, d := range donations {
		i, ok := index[d.CampaignID]
		if !ok {
			continue
		}
		stats[i].TotalReceived += d.Amount
		stats[i].TotalDistributed += d.AmountUsed
		stats[i].DonationCount++
	}
	return stats
}

func donorStats(donations []model.Donation) []DonorStats {
	type acc struct {
		total     int64
		campaigns map[int64]struct{}
	}
	byDonor := make(map[string]*acc)
	for _, d := range donations {
		a, ok := byDonor[d.DonorID]
		if !ok {
			a = &acc{campaigns: make(map[int64]struct{})}
			byDonor[d.DonorID] = a
		}
		a.total += d.Amount
		a.campaigns[d.CampaignID] = struct{}{}
	}

	stats := make([]DonorStats, 0, len(byDonor))
	for id, a := range byDonor {
		stats = append(stats, DonorStats{DonorID: id, TotalDonated: a.total, CampaignsSupported: len(a.campaigns)})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].DonorID < stats[j].DonorID })
	return stats
}

func applicationViews(
	s Snapshot,
	byApplication map[string][]model.Distribution,
	distributionIDs map[int64]struct{},
	mismatches []Mismatch,
) ([]ApplicationView, []model.Distribution, []Mismatch) {
	apps := append([]model.Application(nil), s.Applications...)
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].ID < apps[j].ID
		}
		return apps[i].CreatedAt.Before(apps[j].CreatedAt)
	})

	var (
		views   = make([]ApplicationView, 0, len(apps))
		pending []model.Distribution
	)
	for _, a := range apps {
		view := ApplicationView{Application: a}
		for _, d := range byApplication[a.ID] {
			view.FundedAmount += d.Amount
			if !a.HasDistribution(d.ID) {
				view.ProjectionLag = true
				pending = append(pending, d)
			}
		}
		views = append(views, view)

		if a.Status == model.ApplicationFunded && len(a.DistributionIDs) == 0 {
			mismatches = append(mismatches, Mismatch{
				Kind:          MismatchFundedWithoutDistribution,
				ApplicationID: a.ID,
				Detail:        fmt.Sprintf("application %s is funded without distributions", a.ID),
			})
			continue
		}
		if !s.CoversApplications {
			continue
		}
		if a.Status == model.ApplicationFunded && len(byApplication[a.ID]) == 0 {
			mismatches = append(mismatches, Mismatch{
				Kind:          MismatchFundedWithoutDistribution,
				ApplicationID: a.ID,
				Detail:        fmt.Sprintf("application %s is funded but no ledger distribution references it", a.ID),
			})
		}
		for _, id := range a.DistributionIDs {
			if _, ok := distributionIDs[id]; !ok {
				mismatches = append(mismatches, Mismatch{
					Kind:          MismatchUnknownDistribution,
					ApplicationID: a.ID,
					Detail:        fmt.Sprintf("application %s references missing distribution %d", a.ID, id),
				})
			}
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return views, pending, mismatches
}

func sortedDonations(donations []model.Donation) []model.Donation {
	sorted := append([]model.Donation(nil), donations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// HasMismatch сообщает, есть ли в представлении расхождение вида kind.
func (v View) HasMismatch(kind MismatchKind) bool {
	for _, m := range v.Mismatches {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
