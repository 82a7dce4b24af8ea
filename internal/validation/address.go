// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsValidWalletAddress проверяет синтаксис адреса кошелька: 20 байт в hex с необязательным префиксом 0x.
func IsValidWalletAddress(address string) bool {
	if address == "" {
		return false
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return false
	}
	return common.IsHexAddress(address)
}

// NormalizeWalletAddress приводит адрес к виду с контрольной суммой EIP-55.
func NormalizeWalletAddress(address string) string {
	return common.HexToAddress(address).Hex()
}

// IsBlank сообщает, состоит ли строка только из пробельных символов.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
