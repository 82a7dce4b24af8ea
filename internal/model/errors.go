package model

import "errors"

// Ошибки предметной области. Нижние слои оборачивают их через %w, верхние проверяют errors.Is.
var (
	// ErrInvalidInput возвращается при некорректных входных данных.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidAmount возвращается при неположительной сумме пожертвования.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrRoleDenied возвращается, если роль вызывающего не допускает операцию.
	ErrRoleDenied = errors.New("role denied")
	// ErrCampaignInactive возвращается при пожертвовании в деактивированную кампанию.
	ErrCampaignInactive = errors.New("campaign inactive")
	// ErrInvalidTransition возвращается при недопустимом переходе состояния.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrApplicationNotApproved возвращается, если заявка не одобрена или принадлежит другой NGO.
	ErrApplicationNotApproved = errors.New("application not approved")
	// ErrInsufficientBalance возвращается, если сумма превышает доступный остаток пожертвования.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAddress возвращается при синтаксически неверном адресе кошелька.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrLedgerUnavailable возвращается при отказе или таймауте реестра.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrReconciliationMismatch сигнализирует о расхождении реестра и хранилища заявок.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrUserExists возвращается при регистрации существующего логина.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
