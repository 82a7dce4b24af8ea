// Package model содержит доменные сущности сервиса распределения пожертвований.
package model

import "time"

// Role описывает роль пользователя в хранилище заявок.
type Role string

const (
	RoleDonor       Role = "Donor"
	RolePendingNGO  Role = "PendingNGO"
	RoleNGO         Role = "NGO"
	RoleBeneficiary Role = "Beneficiary"
	RoleAdmin       Role = "Admin"
)

// Valid сообщает, является ли роль одной из известных.
func (r Role) Valid() bool {
	switch r {
	case RoleDonor, RolePendingNGO, RoleNGO, RoleBeneficiary, RoleAdmin:
		return true
	}
	return false
}

// User представляет пользователя хранилища заявок.
type User struct {
	ID            string    `json:"id"`
	Login         string    `json:"login"`
	FullName      string    `json:"full_name"`
	PasswordHash  []byte    `json:"password_hash"`
	Role          Role      `json:"role"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Campaign описывает сбор средств, принадлежащий одной NGO. Владелец записи — реестр (ledger).
type Campaign struct {
	ID           int64
	OwnerID      string
	Title        string
	Description  string
	Goal         int64
	AmountRaised int64
	Active       bool
	CreatedAt    time.Time
}

// Donation описывает одно пожертвование. Amount неизменяем, AmountUsed только растёт.
type Donation struct {
	ID         int64
	CampaignID int64
	DonorID    string
	Amount     int64
	AmountUsed int64
	CreatedAt  time.Time
}

// Available возвращает нераспределённый остаток пожертвования.
func (d Donation) Available() int64 {
	if d.AmountUsed >= d.Amount {
		return 0
	}
	return d.Amount - d.AmountUsed
}

// DonationStatus — производный статус пожертвования.
type DonationStatus string

const (
	DonationPending   DonationStatus = "Pending"
	DonationPartial   DonationStatus = "Partial"
	DonationCompleted DonationStatus = "Completed"
)

// StatusOf вычисляет статус пожертвования. Остаток не больше epsilon считается полным распределением.
func StatusOf(d Donation, epsilon int64) DonationStatus {
	switch {
	case d.AmountUsed <= 0:
		return DonationPending
	case d.Amount-d.AmountUsed <= epsilon:
		return DonationCompleted
	default:
		return DonationPartial
	}
}

// Distribution — неизменяемая запись реестра о переводе части пожертвования бенефициару.
type Distribution struct {
	ID                 int64
	DonationID         int64
	CampaignID         int64
	ApplicationID      string
	BeneficiaryAddress string
	Amount             int64
	CreatedAt          time.Time
}

// ApplicationStatus описывает состояние заявки бенефициара.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "Pending"
	ApplicationApproved ApplicationStatus = "Approved"
	ApplicationRejected ApplicationStatus = "Rejected"
	ApplicationFunded   ApplicationStatus = "Funded"
)

// Terminal сообщает, является ли состояние конечным.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationRejected || s == ApplicationFunded
}

// CanDecide сообщает, допустимо ли решение NGO (одобрение или отказ) из текущего состояния.
func (s ApplicationStatus) CanDecide() bool {
	return s == ApplicationPending
}

// Fundable сообщает, может ли заявка быть целью распределения.
func (s ApplicationStatus) Fundable() bool {
	return s == ApplicationApproved || s == ApplicationFunded
}

// Application описывает заявку бенефициара, адресованную одной NGO.
type Application struct {
	ID                string            `json:"id"`
	BeneficiaryID     string            `json:"beneficiary_id"`
	BeneficiaryName   string            `json:"beneficiary_name"`
	BeneficiaryWallet string            `json:"beneficiary_wallet"`
	NGOID             string            `json:"ngo_id"`
	NGOName           string            `json:"ngo_name"`
	Title             string            `json:"title"`
	Story             string            `json:"story"`
	Status            ApplicationStatus `json:"status"`
	LinkedDonationID  *int64            `json:"linked_donation_id,omitempty"`
	DistributionIDs   []int64           `json:"distribution_ids,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasDistribution сообщает, учтено ли распределение в проекции заявки.
func (a Application) HasDistribution(id int64) bool {
	for _, v := range a.DistributionIDs {
		if v == id {
			return true
		}
	}
	return false
}

// ApplicationFilter задаёт фильтр по равенству полей заявки. Пустые поля не учитываются.
type ApplicationFilter struct {
	NGOID         string
	BeneficiaryID string
	Status        ApplicationStatus
}

// Match проверяет заявку на соответствие фильтру.
func (f ApplicationFilter) Match(a Application) bool {
	if f.NGOID != "" && a.NGOID != f.NGOID {
		return false
	}
	if f.BeneficiaryID != "" && a.BeneficiaryID != f.BeneficiaryID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
