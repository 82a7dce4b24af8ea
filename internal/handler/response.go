package handler

import (
	"time"

	"github.com/mmeshcher/donation-ledger/internal/amount"
	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/reconcile"
)

type userResponse struct {
	ID            string     `json:"id"`
	Login         string     `json:"login"`
	FullName      string     `json:"full_name"`
	Role          model.Role `json:"role"`
	WalletAddress string     `json:"wallet_address,omitempty"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Login:         u.Login,
		FullName:      u.FullName,
		Role:          u.Role,
		WalletAddress: u.WalletAddress,
	}
}

func newUserResponses(users []model.User) []userResponse {
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newUserResponse(u))
	}
	return resp
}

type campaignResponse struct {
	ID           int64  `json:"id"`
	OwnerID      string `json:"owner_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Goal         string `json:"goal"`
	AmountRaised string `json:"amount_raised"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
}

func newCampaignResponse(c model.Campaign, conv amount.Converter) campaignResponse {
	return campaignResponse{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		Title:        c.Title,
		Description:  c.Description,
		Goal:         conv.Format(c.Goal),
		AmountRaised: conv.Format(c.AmountRaised),
		Active:       c.Active,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
	}
}

type donationResponse struct {
	ID         int64  `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Amount     string `json:"amount"`
	AmountUsed string `json:"amount_used"`
	Available  string `json:"available"`
	CreatedAt  string `json:"created_at"`
}

func newDonationResponse(d model.Donation, conv amount.Converter) donationResponse {
	return donationResponse{
		ID:         d.ID,
		CampaignID: d.CampaignID,
		DonorID:    d.DonorID,
		Amount:     conv.Format(d.Amount),
		AmountUsed: conv.Format(d.AmountUsed),
		Available:  conv.Format(d.Available()),
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
}

type distributionResponse struct {
	ID                 int64  `json:"id"`
	DonationID         int64  `json:"donation_id"`
	CampaignID         int64  `json:"campaign_id"`
	ApplicationID      string `json:"application_id"`
	BeneficiaryAddress string `json:"beneficiary_address"`
	Amount             string `json:"amount"`
	CreatedAt          string `json:"created_at"`
}

func newDistributionResponse(d model.Distribution, conv amount.Converter) distributionResponse {
	return distributionResponse{
		ID:                 d.ID,
		DonationID:         d.DonationID,
		CampaignID:         d.CampaignID,
		ApplicationID:      d.ApplicationID,
		BeneficiaryAddress: d.BeneficiaryAddress,
		Amount:             conv.Format(d.Amount),
		CreatedAt:          d.CreatedAt.Format(time.RFC3339),
	}
}

type balanceResponse struct {
	DonationID int64  `json:"donation_id"`
	Available  string `json:"available"`
}

type donationViewResponse struct {
	donationResponse
	Status      model.DonationStatus `json:"status"`
	Distributed string               `json:"distributed"`
	Progress    string               `json:"progress_percent"`
}

type campaignStatsResponse struct {
	CampaignID       int64  `json:"campaign_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	Active           bool   `json:"active"`
	Goal             string `json:"goal"`
	AmountRaised     string `json:"amount_raised"`
	TotalReceived    string `json:"total_received"`
	TotalDistributed string `json:"total_distributed"`
	DonationCount    int    `json:"donation_count"`
}

type applicationViewResponse struct {
	model.Application
	FundedAmount  string `json:"funded_amount"`
	ProjectionLag bool   `json:"projection_lag"`
}

type donorStatsResponse struct {
	DonorID            string `json:"donor_id"`
	TotalDonated       string `json:"total_donated"`
	CampaignsSupported int    `json:"campaigns_supported"`
}

type viewResponse struct {
	Donations          []donationViewResponse    `json:"donations"`
	Campaigns          []campaignStatsResponse   `json:"campaigns"`
	Applications       []applicationViewResponse `json:"applications"`
	Donors             []donorStatsResponse      `json:"donors"`
	PendingProjections []distributionResponse    `json:"pending_projections,omitempty"`
	Mismatches         []reconcile.Mismatch      `json:"mismatches,omitempty"`
}

func newViewResponse(v reconcile.View, conv amount.Converter) viewResponse {
	resp := viewResponse{
		Donations:    make([]donationViewResponse, 0, len(v.Donations)),
		Campaigns:    make([]campaignStatsResponse, 0, len(v.Campaigns)),
		Applications: make([]applicationViewResponse, 0, len(v.Applications)),
		Donors:       make([]donorStatsResponse, 0, len(v.Donors)),
		Mismatches:   v.Mismatches,
	}

	for _, d := range v.Donations {
		resp.Donations = append(resp.Donations, donationViewResponse{
			donationResponse: newDonationResponse(d.Donation, conv),
			Status:           d.Status,
			Distributed:      conv.Format(d.Distributed),
			Progress:         amount.Percent(d.ProgressBP).StringFixed(2),
		})
	}
	for _, c := range v.Campaigns {
		resp.Campaigns = append(resp.Campaigns, campaignStatsResponse{
			CampaignID:       c.CampaignID,
			OwnerID:          c.OwnerID,
			Title:            c.Title,
			Active:           c.Active,
			Goal:             conv.Format(c.Goal),
			AmountRaised:     conv.Format(c.AmountRaised),
			TotalReceived:    conv.Format(c.TotalReceived),
			TotalDistributed: conv.Format(c.TotalDistributed),
			DonationCount:    c.DonationCount,
		})
	}
	for _, a := range v.Applications {
		resp.Applications = append(resp.Applications, applicationViewResponse{
			Application:   a.Application,
			FundedAmount:  conv.Format(a.FundedAmount),
			ProjectionLag: a.ProjectionLag,
		})
	}
	for _, d := range v.Donors {
		resp.Donors = append(resp.Donors, donorStatsResponse{
			DonorID:            d.DonorID,
			TotalDonated:       conv.Format(d.TotalDonated),
			CampaignsSupported: d.CampaignsSupported,
		})
	}
	for _, d := range v.PendingProjections {
		resp.PendingProjections = append(resp.PendingProjections, newDistributionResponse(d, conv))
	}
	return resp
}
