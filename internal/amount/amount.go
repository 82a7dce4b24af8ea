// Package amount переводит суммы реестра (целые в минимальных единицах) в десятичный вид и обратно.
// Используется только на границе представления; проверки инвариантов работают с int64.
package amount

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount возвращается, если строку нельзя точно представить в минимальных единицах.
var ErrInvalidAmount = errors.New("invalid decimal amount")

// Converter хранит число знаков после запятой минимальной единицы реестра.
type Converter struct {
	decimals int32
}

// NewConverter создаёт конвертер для указанного числа знаков.
func NewConverter(decimals int32) Converter {
	return Converter{decimals: decimals}
}

// Decimals возвращает число знаков минимальной единицы.
func (c Converter) Decimals() int32 {
	return c.decimals
}

// Parse разбирает десятичную строку ("1.5") в минимальные единицы.
// Дробная часть длиннее точности реестра считается ошибкой, округления нет.
func (c Converter) Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}

	minor := d.Shift(c.decimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, c.decimals)
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}

	return minor.IntPart(), nil
}

// Decimal переводит минимальные единицы в десятичное значение.
func (c Converter) Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.decimals)
}

// Format возвращает строковое представление суммы с полной точностью реестра.
func (c Converter) Format(minor int64) string {
	return c.Decimal(minor).StringFixed(c.decimals)
}

// Percent переводит базисные пункты (1/100 процента) в проценты.
func Percent(basisPoints int64) decimal.Decimal {
	return decimal.New(basisPoints, -2)
}

// BasisPoints возвращает долю part от whole в базисных пунктах с округлением вниз.
// Вычисляется в decimal, чтобы part*10000 не переполнял int64.
func BasisPoints(part, whole int64) int64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	return decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(10000)).
		Div(decimal.NewFromInt(whole)).
		Floor().
		IntPart()
}
